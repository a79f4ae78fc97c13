/*
Copyright 2025 The RangeForge Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package azure implements the platform adapter for one Azure resource
// group. Templates are specialized managed images, so clones keep
// their baked-in accounts; ARM's create-or-update semantics make the
// clone path naturally replayable, with ownership tags telling a
// replay apart from a name collision.
package azure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
	"github.com/go-logr/logr"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/util/retry"
)

const (
	defaultLivenessPoll = 5 * time.Second
	powerStatePrefix    = "PowerState/"
)

// Options configures one resource group as a backend instance.
type Options struct {
	Instance       string
	SubscriptionID string
	ResourceGroup  string
	Location       string

	// Service principal credentials; the default Azure chain is used
	// when empty.
	TenantID     string
	ClientID     string
	ClientSecret string

	// VNet holds the lab subnets. DefaultSubnet hosts clones with no
	// lease; SubnetNameTemplate maps a VLAN id to its subnet name.
	VNet               string
	DefaultSubnet      string
	SubnetNameTemplate string

	VMSize       string
	LivenessPoll time.Duration
}

// Adapter drives one Azure resource group.
type Adapter struct {
	log  logr.Logger
	opts Options

	vms    vmAPI
	images imageAPI
	nets   networkAPI

	mu        sync.Mutex
	sizeCache map[string]armcompute.VirtualMachineSize
}

var _ platform.Adapter = &Adapter{}
var _ platform.AddressDiscoverer = &Adapter{}

// New builds the adapter with real ARM clients.
func New(log logr.Logger, opts Options) (*Adapter, error) {
	if opts.Instance == "" || opts.SubscriptionID == "" || opts.ResourceGroup == "" || opts.Location == "" {
		return nil, faults.New(faults.ConfigInvalid, "azure adapter needs instance, subscription, resource group and location")
	}
	var (
		cred azcore.TokenCredential
		err  error
	)
	if opts.ClientID != "" {
		cred, err = azidentity.NewClientSecretCredential(opts.TenantID, opts.ClientID, opts.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, faults.Wrap(err, faults.AuthFailed, "building azure credential for %q", opts.Instance)
	}

	vms, err := newVMClient(opts.SubscriptionID, opts.ResourceGroup, opts.Location, cred)
	if err != nil {
		return nil, faults.Wrap(err, faults.ConfigInvalid, "building compute client")
	}
	images, err := newImageClient(opts.SubscriptionID, opts.ResourceGroup, cred)
	if err != nil {
		return nil, faults.Wrap(err, faults.ConfigInvalid, "building image client")
	}
	nets, err := newNetworkClient(opts.SubscriptionID, opts.ResourceGroup, cred)
	if err != nil {
		return nil, faults.Wrap(err, faults.ConfigInvalid, "building network client")
	}
	return newWithClients(log, opts, vms, images, nets), nil
}

func newWithClients(log logr.Logger, opts Options, vms vmAPI, images imageAPI, nets networkAPI) *Adapter {
	if opts.SubnetNameTemplate == "" {
		opts.SubnetNameTemplate = "rf-vlan-%d"
	}
	if opts.VMSize == "" {
		opts.VMSize = "Standard_D2s_v5"
	}
	if opts.LivenessPoll <= 0 {
		opts.LivenessPoll = defaultLivenessPoll
	}
	return &Adapter{
		log:       log.WithName("azure").WithValues("instance", opts.Instance),
		opts:      opts,
		vms:       vms,
		images:    images,
		nets:      nets,
		sizeCache: map[string]armcompute.VirtualMachineSize{},
	}
}

func (a *Adapter) Kind() api.BackendKind { return api.BackendAzure }
func (a *Adapter) Instance() string      { return a.opts.Instance }

// CloneFromTemplate creates a VM from a specialized image. An existing
// VM with the same name is a replay when its ownership tags carry this
// request, a collision otherwise. Like EC2, ARM cannot create a VM
// stopped, so it comes up running and the later power-on no-ops. The
// leased subnet is wired at create time because NICs cannot be added
// to a live VM.
func (a *Adapter) CloneFromTemplate(ctx context.Context, spec platform.CloneSpec) (string, error) {
	name := spec.VMName()

	existing, err := a.vms.Get(ctx, name)
	if err == nil {
		owner := ""
		if v, ok := existing.Tags[tagKey(platform.TagRequest)]; ok && v != nil {
			owner = *v
		}
		if owner == spec.RequestID {
			a.log.V(2).Info("vm already exists for request", "vm", name, "request", spec.RequestID)
			return name, nil
		}
		return "", faults.New(faults.NameCollision, "vm %q already exists for request %s", name, owner)
	}
	if cerr := classify(err, "checking for %q", name); !faults.Is(cerr, faults.ResourceMissing) {
		return "", cerr
	}

	imageID, err := a.resolveImage(ctx, spec.Node.Template)
	if err != nil {
		return "", err
	}

	subnetID, err := a.cloneSubnetID(ctx, spec)
	if err != nil {
		return "", err
	}

	tags := armTags(spec.Tags())
	nic, err := a.nets.CreateInterface(ctx, name+"-nic0", armnetwork.Interface{
		Location: to.Ptr(a.opts.Location),
		Tags:     tags,
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: to.Ptr("primary"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					Subnet:                    &armnetwork.Subnet{ID: to.Ptr(subnetID)},
					PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
				},
			}},
		},
	})
	if err != nil {
		return "", classify(err, "creating interface for %q", name)
	}

	size := a.opts.VMSize
	if s, ok := spec.Node.Tags["azure/vm-size"]; ok {
		size = s
	}

	vm := armcompute.VirtualMachine{
		Location: to.Ptr(a.opts.Location),
		Tags:     tags,
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(size)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: &armcompute.ImageReference{ID: to.Ptr(imageID)},
				OSDisk: &armcompute.OSDisk{
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
					DeleteOption: to.Ptr(armcompute.DiskDeleteOptionTypesDelete),
				},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
					ID: nic.ID,
					Properties: &armcompute.NetworkInterfaceReferenceProperties{
						Primary:      to.Ptr(true),
						DeleteOption: to.Ptr(armcompute.DeleteOptionsDelete),
					},
				}},
			},
		},
	}
	if spec.Node.DiskGiB > 0 {
		vm.Properties.StorageProfile.OSDisk.DiskSizeGB = to.Ptr(int32(spec.Node.DiskGiB))
	}

	a.log.Info("creating vm", "vm", name, "image", imageID, "size", size)
	if _, err := a.vms.CreateOrUpdate(ctx, name, vm); err != nil {
		// Leave nothing half-built behind a failed create.
		if derr := a.nets.DeleteInterface(context.WithoutCancel(ctx), name+"-nic0"); derr != nil {
			a.log.V(2).Info("could not remove orphaned interface", "nic", name+"-nic0", "err", derr)
		}
		return "", classify(err, "creating vm %q", name)
	}
	return name, nil
}

func (a *Adapter) cloneSubnetID(ctx context.Context, spec platform.CloneSpec) (string, error) {
	if spec.Lease != nil {
		return a.subnetForVLAN(ctx, spec.Lease.VLAN)
	}
	if a.opts.DefaultSubnet == "" {
		return "", faults.New(faults.ConfigInvalid, "no lease and no default subnet configured")
	}
	sn, err := a.nets.GetSubnet(ctx, a.opts.VNet, a.opts.DefaultSubnet)
	if err != nil {
		return "", classify(err, "finding default subnet %q", a.opts.DefaultSubnet)
	}
	return deref(sn.ID), nil
}

func (a *Adapter) subnetForVLAN(ctx context.Context, vlan int) (string, error) {
	name := fmt.Sprintf(a.opts.SubnetNameTemplate, vlan)
	sn, err := a.nets.GetSubnet(ctx, a.opts.VNet, name)
	if err != nil {
		cerr := classify(err, "finding subnet %q", name)
		if faults.Is(cerr, faults.ResourceMissing) {
			return "", faults.New(faults.ResourceMissing, "no subnet %q for vlan %d in vnet %q", name, vlan, a.opts.VNet)
		}
		return "", cerr
	}
	return deref(sn.ID), nil
}

// resolveImage accepts a full ARM id or a managed image name in the
// resource group.
func (a *Adapter) resolveImage(ctx context.Context, template string) (string, error) {
	if strings.HasPrefix(template, "/subscriptions/") {
		return template, nil
	}
	img, err := a.images.Get(ctx, template)
	if err != nil {
		cerr := classify(err, "resolving image %q", template)
		if faults.Is(cerr, faults.ResourceMissing) {
			return "", faults.New(faults.ResourceMissing, "no image named %q", template)
		}
		return "", cerr
	}
	return deref(img.ID), nil
}

// SetPower maps power ops onto the VM lifecycle. off skips the guest
// shutdown, shutdown is the graceful stop, suspend deallocates.
func (a *Adapter) SetPower(ctx context.Context, nativeID string, op platform.PowerOp) error {
	var err error
	switch op {
	case platform.PowerOn:
		err = a.vms.Start(ctx, nativeID)
	case platform.PowerOff:
		err = a.vms.PowerOff(ctx, nativeID, true)
	case platform.PowerShutdown:
		err = a.vms.PowerOff(ctx, nativeID, false)
	case platform.PowerReboot:
		err = a.vms.Restart(ctx, nativeID)
	case platform.PowerSuspend:
		err = a.vms.Deallocate(ctx, nativeID)
	default:
		return faults.New(faults.ConfigInvalid, "unknown power op %q", op)
	}
	if err != nil {
		return classify(err, "power %s of vm %s", op, nativeID)
	}
	return nil
}

// powerState reads the PowerState/* status from the instance view.
func (a *Adapter) powerState(ctx context.Context, nativeID string) (string, error) {
	view, err := a.vms.InstanceView(ctx, nativeID)
	if err != nil {
		return "", classify(err, "reading instance view of %s", nativeID)
	}
	for _, st := range view.Statuses {
		if st == nil || st.Code == nil {
			continue
		}
		if strings.HasPrefix(*st.Code, powerStatePrefix) {
			return strings.TrimPrefix(*st.Code, powerStatePrefix), nil
		}
	}
	return "", nil
}

// WaitForLiveness polls until the VM runs and its primary interface
// has an address, then returns that address.
func (a *Adapter) WaitForLiveness(ctx context.Context, nativeID string) (string, error) {
	var ip string
	err := retry.Until(ctx, a.opts.LivenessPoll, func(ctx context.Context) (bool, error) {
		state, err := a.powerState(ctx, nativeID)
		if err != nil {
			if faults.Is(err, faults.ResourceMissing) {
				return retry.SevereError(err)
			}
			return retry.MinorError(err)
		}
		if state != "running" {
			return retry.MinorError(faults.New(faults.TransitionBusy, "vm %s is %s", nativeID, state))
		}
		addr, err := a.primaryAddress(ctx, nativeID)
		if err != nil {
			return retry.MinorError(err)
		}
		if addr == "" {
			return retry.MinorError(faults.New(faults.TransitionBusy, "vm %s has no address yet", nativeID))
		}
		ip = addr
		return retry.Ok()
	})
	if err != nil {
		return "", err
	}
	return ip, nil
}

func (a *Adapter) primaryAddress(ctx context.Context, nativeID string) (string, error) {
	vm, err := a.vms.Get(ctx, nativeID)
	if err != nil {
		return "", classify(err, "reading vm %s", nativeID)
	}
	for _, ref := range nicRefs(vm) {
		nic, err := a.nets.GetInterface(ctx, nameFromID(deref(ref.ID)))
		if err != nil {
			return "", classify(err, "reading interface of %s", nativeID)
		}
		if ip := privateIP(nic); ip != "" {
			return ip, nil
		}
	}
	return "", nil
}

// Describe reports the registry view of one VM or image.
func (a *Adapter) Describe(ctx context.Context, kind api.ResourceKind, nativeID string) (api.Resource, error) {
	if kind == api.ResourceTemplate {
		img, err := a.images.Get(ctx, nativeID)
		if err != nil {
			return api.Resource{}, classify(err, "describing image %s", nativeID)
		}
		return a.resourceFromImage(img), nil
	}
	vm, err := a.vms.Get(ctx, nativeID)
	if err != nil {
		return api.Resource{}, classify(err, "describing vm %s", nativeID)
	}
	return a.resourceFromVM(ctx, vm, true), nil
}

func (a *Adapter) resourceFromVM(ctx context.Context, vm armcompute.VirtualMachine, withDetail bool) api.Resource {
	name := deref(vm.Name)
	res := api.Resource{
		Identity: platform.Identity(a, api.ResourceVM, name),
		Name:     name,
		State:    api.StateUnknown,
		Tags:     map[string]string{},
	}
	for k, v := range vm.Tags {
		res.Tags[tagFromKey(k)] = deref(v)
	}
	res.Identity.Kind = platform.MachineKindFor(res.Tags)
	res.LabID = res.Tags[platform.TagLab]
	res.OSFamily = api.OSFamily(res.Tags[platform.TagOS])

	if vm.Properties != nil {
		if sp := vm.Properties.StorageProfile; sp != nil && sp.OSDisk != nil {
			if res.OSFamily == "" && sp.OSDisk.OSType != nil {
				res.OSFamily = osFamilyFromType(*sp.OSDisk.OSType)
			}
			res.DiskGiB = int64(derefInt32(sp.OSDisk.DiskSizeGB))
			for _, dd := range sp.DataDisks {
				if dd != nil {
					res.DiskGiB += int64(derefInt32(dd.DiskSizeGB))
				}
			}
		}
		if hp := vm.Properties.HardwareProfile; hp != nil && hp.VMSize != nil {
			if size, ok := a.sizeInfo(ctx, string(*hp.VMSize)); ok {
				res.CPU = derefInt32(size.NumberOfCores)
				res.MemoryMiB = int64(derefInt32(size.MemoryInMB))
			}
		}
	}
	if res.OSFamily == "" {
		res.OSFamily = api.OSUnknown
	}

	if !withDetail {
		return res
	}

	if state, err := a.powerState(ctx, name); err == nil {
		res.State = stateFromPower(state)
	}
	if vm.Properties != nil && deref(vm.Properties.ProvisioningState) == "Failed" {
		res.State = api.StateError
	}
	// ARM reports creation time, not boot time; the same proxy EC2
	// gives us, and only meaningful while the VM runs.
	if res.State == api.StateRunning && vm.Properties != nil && vm.Properties.TimeCreated != nil {
		res.UptimeSeconds = int64(time.Since(*vm.Properties.TimeCreated).Seconds())
	}
	for _, ref := range nicRefs(vm) {
		nic, err := a.nets.GetInterface(ctx, nameFromID(deref(ref.ID)))
		if err != nil {
			continue
		}
		n := api.NIC{
			MAC: normalizeMAC(nicMAC(nic)),
			IP:  privateIP(nic),
		}
		if sn := nicSubnetID(nic); sn != "" {
			n.Network = nameFromID(sn)
		}
		res.NICs = append(res.NICs, n)
		if res.IP == "" {
			res.IP = n.IP
		}
	}
	return res
}

func (a *Adapter) resourceFromImage(img armcompute.Image) api.Resource {
	res := api.Resource{
		Identity: platform.Identity(a, api.ResourceTemplate, deref(img.Name)),
		Name:     deref(img.Name),
		State:    api.StateStopped,
		Tags:     map[string]string{},
		OSFamily: api.OSUnknown,
	}
	for k, v := range img.Tags {
		res.Tags[tagFromKey(k)] = deref(v)
	}
	if img.Properties != nil && img.Properties.StorageProfile != nil && img.Properties.StorageProfile.OSDisk != nil {
		d := img.Properties.StorageProfile.OSDisk
		if d.OSType != nil {
			res.OSFamily = osFamilyFromType(*d.OSType)
		}
		res.DiskGiB = int64(derefInt32(d.DiskSizeGB))
	}
	return res
}

// sizeInfo resolves core and memory counts for a VM size, cached per
// adapter since the catalog is static per location.
func (a *Adapter) sizeInfo(ctx context.Context, size string) (armcompute.VirtualMachineSize, bool) {
	a.mu.Lock()
	if info, ok := a.sizeCache[size]; ok {
		a.mu.Unlock()
		return info, true
	}
	a.mu.Unlock()

	sizes, err := a.vms.ListSizes(ctx)
	if err != nil {
		a.log.V(2).Info("could not list vm sizes", "err", err)
		return armcompute.VirtualMachineSize{}, false
	}
	a.mu.Lock()
	for _, s := range sizes {
		if s != nil && s.Name != nil {
			a.sizeCache[*s.Name] = *s
		}
	}
	info, ok := a.sizeCache[size]
	a.mu.Unlock()
	return info, ok
}

// List enumerates VMs, images or subnets. Storage pools have no ARM
// equivalent under a resource group and list empty.
func (a *Adapter) List(ctx context.Context, kind api.ResourceKind) (platform.ResourceIterator, error) {
	switch kind {
	case api.ResourceVM:
		vms, err := a.vms.List(ctx)
		if err != nil {
			return nil, classify(err, "listing vms")
		}
		out := make([]api.Resource, 0, len(vms))
		for _, vm := range vms {
			if vm == nil {
				continue
			}
			out = append(out, a.resourceFromVM(ctx, *vm, true))
		}
		return platform.NewSliceIterator(out), nil
	case api.ResourceTemplate:
		imgs, err := a.images.List(ctx)
		if err != nil {
			return nil, classify(err, "listing images")
		}
		out := make([]api.Resource, 0, len(imgs))
		for _, img := range imgs {
			if img == nil {
				continue
			}
			out = append(out, a.resourceFromImage(*img))
		}
		return platform.NewSliceIterator(out), nil
	case api.ResourceNetwork:
		subnets, err := a.nets.ListSubnets(ctx, a.opts.VNet)
		if err != nil {
			return nil, classify(err, "listing subnets")
		}
		out := make([]api.Resource, 0, len(subnets))
		for _, sn := range subnets {
			if sn == nil {
				continue
			}
			out = append(out, api.Resource{
				Identity: platform.Identity(a, api.ResourceNetwork, deref(sn.Name)),
				Name:     deref(sn.Name),
				State:    api.StateRunning,
			})
		}
		return platform.NewSliceIterator(out), nil
	case api.ResourceHost:
		// ARM exposes no hypervisor hosts.
		return platform.NewSliceIterator(nil), nil
	default:
		return nil, faults.New(faults.ConfigInvalid, "azure cannot list %q resources", kind)
	}
}

// AttachNetwork puts the VM on the leased subnet. A VM already on the
// subnet no-ops; a running VM is refused because ARM only accepts NIC
// changes on stopped VMs.
func (a *Adapter) AttachNetwork(ctx context.Context, nativeID string, lease api.Lease) error {
	subnetID, err := a.subnetForVLAN(ctx, lease.VLAN)
	if err != nil {
		return err
	}

	vm, err := a.vms.Get(ctx, nativeID)
	if err != nil {
		return classify(err, "reading vm %s", nativeID)
	}
	for _, ref := range nicRefs(vm) {
		nic, err := a.nets.GetInterface(ctx, nameFromID(deref(ref.ID)))
		if err != nil {
			return classify(err, "reading interface of %s", nativeID)
		}
		if strings.EqualFold(nicSubnetID(nic), subnetID) {
			return nil
		}
	}

	state, err := a.powerState(ctx, nativeID)
	if err != nil {
		return err
	}
	if state == "running" || state == "starting" {
		return faults.New(faults.TransitionBusy, "vm %s is %s; interfaces attach only while stopped", nativeID, state)
	}

	nicName := fmt.Sprintf("%s-nic%d", nativeID, len(nicRefs(vm)))
	nic, err := a.nets.CreateInterface(ctx, nicName, armnetwork.Interface{
		Location: to.Ptr(a.opts.Location),
		Tags:     vm.Tags,
		Properties: &armnetwork.InterfacePropertiesFormat{
			IPConfigurations: []*armnetwork.InterfaceIPConfiguration{{
				Name: to.Ptr("primary"),
				Properties: &armnetwork.InterfaceIPConfigurationPropertiesFormat{
					Subnet:                    &armnetwork.Subnet{ID: to.Ptr(subnetID)},
					PrivateIPAllocationMethod: to.Ptr(armnetwork.IPAllocationMethodDynamic),
				},
			}},
		},
	})
	if err != nil {
		return classify(err, "creating interface on subnet for vlan %d", lease.VLAN)
	}

	vm.Properties.NetworkProfile.NetworkInterfaces = append(vm.Properties.NetworkProfile.NetworkInterfaces,
		&armcompute.NetworkInterfaceReference{
			ID: nic.ID,
			Properties: &armcompute.NetworkInterfaceReferenceProperties{
				Primary:      to.Ptr(false),
				DeleteOption: to.Ptr(armcompute.DeleteOptionsDelete),
			},
		})
	if _, err := a.vms.CreateOrUpdate(ctx, nativeID, vm); err != nil {
		return classify(err, "attaching interface to vm %s", nativeID)
	}
	a.log.Info("attached lab segment", "vm", nativeID, "vlan", lease.VLAN)
	return nil
}

// ExecCommand runs the command through the run-command extension,
// which executes as the platform agent; the credential is not used.
// Exit codes are not surfaced by the API, so failures read from the
// status level instead.
func (a *Adapter) ExecCommand(ctx context.Context, nativeID string, cred platform.Credential, command string) (platform.ExecResult, error) {
	res, err := a.Describe(ctx, api.ResourceVM, nativeID)
	if err != nil {
		return platform.ExecResult{}, err
	}

	commandID := "RunShellScript"
	if res.OSFamily == api.OSWindows {
		commandID = "RunPowerShellScript"
	}
	out, err := a.vms.RunCommand(ctx, nativeID, armcompute.RunCommandInput{
		CommandID: to.Ptr(commandID),
		Script:    []*string{to.Ptr(command)},
	})
	if err != nil {
		return platform.ExecResult{}, classify(err, "running command on %s", nativeID)
	}

	result := platform.ExecResult{}
	for _, st := range out.Value {
		if st == nil {
			continue
		}
		stdout, stderr := splitRunCommandMessage(deref(st.Message))
		result.Stdout += stdout
		result.Stderr += stderr
		if st.Level != nil && *st.Level == armcompute.StatusLevelTypesError {
			result.ExitCode = 1
		}
	}
	return result, nil
}

// splitRunCommandMessage unpacks the run-command output, which arrives
// as one message with [stdout] and [stderr] markers.
func splitRunCommandMessage(msg string) (string, string) {
	const outMark, errMark = "[stdout]", "[stderr]"
	oi := strings.Index(msg, outMark)
	ei := strings.Index(msg, errMark)
	if oi < 0 || ei < 0 || ei < oi {
		return msg, ""
	}
	stdout := strings.TrimSpace(msg[oi+len(outMark) : ei])
	stderr := strings.TrimSpace(msg[ei+len(errMark):])
	return stdout, stderr
}

// Delete removes the VM; disks and NICs go with it via their delete
// options. Running VMs are refused unless forced.
func (a *Adapter) Delete(ctx context.Context, nativeID string, force bool) error {
	if !force {
		state, err := a.powerState(ctx, nativeID)
		if err != nil {
			if faults.Is(err, faults.ResourceMissing) {
				return nil
			}
			return err
		}
		if state == "running" {
			return faults.New(faults.TransitionBusy, "vm %s is running; stop it or force", nativeID)
		}
	}
	if err := a.vms.Delete(ctx, nativeID); err != nil {
		cerr := classify(err, "deleting vm %s", nativeID)
		if faults.Is(cerr, faults.ResourceMissing) {
			return nil
		}
		return cerr
	}
	a.log.Info("deleted vm", "vm", nativeID)
	return nil
}

// DiscoverAddresses maps interface MACs to private addresses across
// the resource group.
func (a *Adapter) DiscoverAddresses(ctx context.Context) (map[string]string, error) {
	nics, err := a.nets.ListInterfaces(ctx)
	if err != nil {
		return nil, classify(err, "discovering addresses")
	}
	addrs := map[string]string{}
	for _, nic := range nics {
		if nic == nil {
			continue
		}
		mac, ip := normalizeMAC(nicMAC(*nic)), privateIP(*nic)
		if mac == "" || ip == "" {
			continue
		}
		addrs[mac] = ip
	}
	return addrs, nil
}

// ARM tag keys cannot contain colons; the rangeforge:* tags swap them
// for underscores on the wire, the same trade the extraConfig keys
// make on vSphere.
func tagKey(tag string) string {
	return strings.ReplaceAll(tag, ":", "_")
}

func tagFromKey(key string) string {
	if strings.HasPrefix(key, "rangeforge_") {
		return "rangeforge:" + strings.TrimPrefix(key, "rangeforge_")
	}
	return key
}

func armTags(tags map[string]string) map[string]*string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]*string, len(tags))
	for _, k := range keys {
		out[tagKey(k)] = to.Ptr(tags[k])
	}
	return out
}

func stateFromPower(state string) api.ResourceState {
	switch state {
	case "running":
		return api.StateRunning
	case "stopped", "deallocated":
		return api.StateStopped
	default:
		// starting, stopping and deallocating settle on a later poll.
		return api.StateUnknown
	}
}

func osFamilyFromType(t armcompute.OperatingSystemTypes) api.OSFamily {
	switch t {
	case armcompute.OperatingSystemTypesWindows:
		return api.OSWindows
	case armcompute.OperatingSystemTypesLinux:
		return api.OSLinux
	default:
		return api.OSUnknown
	}
}

func nicRefs(vm armcompute.VirtualMachine) []*armcompute.NetworkInterfaceReference {
	if vm.Properties == nil || vm.Properties.NetworkProfile == nil {
		return nil
	}
	return vm.Properties.NetworkProfile.NetworkInterfaces
}

func nicMAC(nic armnetwork.Interface) string {
	if nic.Properties == nil {
		return ""
	}
	return deref(nic.Properties.MacAddress)
}

func privateIP(nic armnetwork.Interface) string {
	if nic.Properties == nil {
		return ""
	}
	for _, cfg := range nic.Properties.IPConfigurations {
		if cfg == nil || cfg.Properties == nil {
			continue
		}
		if ip := deref(cfg.Properties.PrivateIPAddress); ip != "" {
			return ip
		}
	}
	return ""
}

func nicSubnetID(nic armnetwork.Interface) string {
	if nic.Properties == nil {
		return ""
	}
	for _, cfg := range nic.Properties.IPConfigurations {
		if cfg == nil || cfg.Properties == nil || cfg.Properties.Subnet == nil {
			continue
		}
		if id := deref(cfg.Properties.Subnet.ID); id != "" {
			return id
		}
	}
	return ""
}

// normalizeMAC folds Azure's dashed uppercase MACs into the colon form
// the registry compares against.
func normalizeMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
}

func nameFromID(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt32(v *int32) int32 {
	if v == nil {
		return 0
	}
	return *v
}
