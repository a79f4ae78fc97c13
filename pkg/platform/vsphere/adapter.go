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

// Package vsphere implements the platform adapter for vCenter-managed
// infrastructure on top of govmomi. Clones carry a deterministic
// instance UUID derived from the deploy request so replays of the same
// request find the existing VM instead of creating a second one.
package vsphere

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/util/retry"
)

const (
	fullCloneDiskMoveType = types.VirtualMachineRelocateDiskMoveOptionsMoveAllDiskBackingsAndConsolidate
	linkCloneDiskMoveType = types.VirtualMachineRelocateDiskMoveOptionsCreateNewChildDiskBacking

	ethCardType = "vmxnet3"

	defaultLivenessPoll = 5 * time.Second
)

// Options configures one vCenter instance. Placement fields left empty
// fall back to the datacenter defaults the way govmomi's finder
// resolves them.
type Options struct {
	Instance   string
	Server     string
	Username   string
	Password   string
	Thumbprint string
	Datacenter string

	Datastore    string
	ResourcePool string
	Folder       string

	// NetworkNameTemplate expands a lease VLAN into the name of the
	// port group carrying that VLAN, e.g. "rf-vlan-%d".
	NetworkNameTemplate string

	LivenessPoll time.Duration
	KeepAlive    bool
}

// Adapter talks to one vCenter. Sessions are cached per
// server/user/datacenter and rebuilt transparently after keepalive
// failures, so every operation starts with a GetOrCreate.
type Adapter struct {
	log  logr.Logger
	opts Options
}

var _ platform.Adapter = &Adapter{}

func New(log logr.Logger, opts Options) (*Adapter, error) {
	if opts.Instance == "" || opts.Server == "" || opts.Username == "" {
		return nil, faults.New(faults.ConfigInvalid, "vsphere adapter needs instance, server and username")
	}
	if opts.NetworkNameTemplate == "" {
		opts.NetworkNameTemplate = "rf-vlan-%d"
	}
	if !strings.Contains(opts.NetworkNameTemplate, "%d") {
		return nil, faults.New(faults.ConfigInvalid, "network_name_template %q needs a %%d verb", opts.NetworkNameTemplate)
	}
	if opts.LivenessPoll <= 0 {
		opts.LivenessPoll = defaultLivenessPoll
	}
	return &Adapter{
		log:  log.WithName("vsphere").WithValues("instance", opts.Instance),
		opts: opts,
	}, nil
}

func (a *Adapter) Kind() api.BackendKind { return api.BackendVSphere }
func (a *Adapter) Instance() string      { return a.opts.Instance }

// Close logs out the cached vCenter session.
func (a *Adapter) Close(ctx context.Context) error {
	return Logout(ctx, NewParams().
		WithServer(a.opts.Server).
		WithDatacenter(a.opts.Datacenter).
		WithUserInfo(a.opts.Username, a.opts.Password))
}

func (a *Adapter) session(ctx context.Context) (*Session, error) {
	s, err := GetOrCreate(ctx, a.log,
		NewParams().
			WithServer(a.opts.Server).
			WithDatacenter(a.opts.Datacenter).
			WithUserInfo(a.opts.Username, a.opts.Password).
			WithThumbprint(a.opts.Thumbprint).
			WithFeatures(Feature{EnableKeepAlive: a.opts.KeepAlive}))
	if err != nil {
		return nil, classify(err, "connecting to vcenter %q", a.opts.Server)
	}
	return s, nil
}

func (a *Adapter) vm(nativeID string) *types.ManagedObjectReference {
	return &types.ManagedObjectReference{Type: "VirtualMachine", Value: nativeID}
}

// cloneInstanceUUID derives the instance UUID stamped on a clone. It is
// a function of the deploy request and node name only, which is what
// makes CloneFromTemplate replay-safe.
func cloneInstanceUUID(spec platform.CloneSpec) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(spec.RequestID+"/"+spec.Node.Name)).String()
}

// CloneFromTemplate clones the node's template into a powered-off VM.
// A prior clone for the same request and node is returned as-is.
func (a *Adapter) CloneFromTemplate(ctx context.Context, spec platform.CloneSpec) (string, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return "", err
	}

	instanceUUID := cloneInstanceUUID(spec)
	if ref, err := sess.FindByInstanceUUID(ctx, instanceUUID); err == nil && ref != nil {
		a.log.V(2).Info("clone already exists for request", "request", spec.RequestID, "node", spec.Node.Name, "vm", ref.Reference().Value)
		return ref.Reference().Value, nil
	}

	tpl, err := sess.Finder.VirtualMachine(ctx, spec.Node.Template)
	if err != nil {
		return "", classify(err, "template %q", spec.Node.Template)
	}

	// A template with a current snapshot gets a linked clone, which is
	// close to instant. Everything else pays for a full copy.
	var snapshotRef *types.ManagedObjectReference
	var tplProps mo.VirtualMachine
	if err := tpl.Properties(ctx, tpl.Reference(), []string{"snapshot"}, &tplProps); err != nil {
		return "", classify(err, "snapshot lookup for template %q", spec.Node.Template)
	}
	if tplProps.Snapshot != nil {
		snapshotRef = tplProps.Snapshot.CurrentSnapshot
	}
	diskMoveType := fullCloneDiskMoveType
	if snapshotRef != nil {
		diskMoveType = linkCloneDiskMoveType
	}

	folder, err := sess.Finder.FolderOrDefault(ctx, a.opts.Folder)
	if err != nil {
		return "", classify(err, "folder %q", a.opts.Folder)
	}
	pool, err := sess.Finder.ResourcePoolOrDefault(ctx, a.opts.ResourcePool)
	if err != nil {
		return "", classify(err, "resource pool %q", a.opts.ResourcePool)
	}
	datastore, err := sess.Finder.DatastoreOrDefault(ctx, a.opts.Datastore)
	if err != nil {
		return "", classify(err, "datastore %q", a.opts.Datastore)
	}

	var deviceSpecs []types.BaseVirtualDeviceConfigSpec
	// Only non-linked clones may expand the size of the template's disk.
	if snapshotRef == nil && spec.Node.DiskGiB > 0 {
		devices, err := tpl.Device(ctx)
		if err != nil {
			return "", classify(err, "devices of template %q", spec.Node.Template)
		}
		diskSpec, err := getDiskSpec(devices, spec.Node.DiskGiB)
		if err != nil {
			return "", err
		}
		deviceSpecs = append(deviceSpecs, diskSpec)
	}

	var extra extraConfig
	extra.SetTags(spec.Tags())

	diskUUIDEnabled := true
	cloneSpec := types.VirtualMachineCloneSpec{
		Config: &types.VirtualMachineConfigSpec{
			InstanceUuid: instanceUUID,
			Flags:        &types.VirtualMachineFlagInfo{DiskUuidEnabled: &diskUUIDEnabled},
			DeviceChange: deviceSpecs,
			ExtraConfig:  extra,
			NumCPUs:      spec.Node.CPU,
			MemoryMB:     spec.Node.MemoryMiB,
		},
		Location: types.VirtualMachineRelocateSpec{
			DiskMoveType: string(diskMoveType),
			Folder:       types.NewReference(folder.Reference()),
			Pool:         types.NewReference(pool.Reference()),
			Datastore:    types.NewReference(datastore.Reference()),
		},
		// The engine attaches the lab network and powers the VM on as
		// separate steps, so the clone must come up powered off.
		PowerOn:  false,
		Snapshot: snapshotRef,
	}

	name := spec.VMName()
	a.log.Info("cloning template", "template", spec.Node.Template, "name", name, "linked", snapshotRef != nil)
	cloneTask, err := tpl.Clone(ctx, folder, name, cloneSpec)
	if err != nil {
		return "", classify(err, "cloning %q", name)
	}
	info, err := cloneTask.WaitForResult(ctx)
	if err != nil {
		return "", classify(err, "cloning %q", name)
	}
	ref, ok := info.Result.(types.ManagedObjectReference)
	if !ok {
		return "", faults.New(faults.Internal, "clone of %q returned %T, want a managed object reference", name, info.Result)
	}
	return ref.Value, nil
}

func getDiskSpec(devices object.VirtualDeviceList, diskGiB int64) (types.BaseVirtualDeviceConfigSpec, error) {
	disks := devices.SelectByType((*types.VirtualDisk)(nil))
	if len(disks) == 0 {
		return nil, faults.New(faults.ConfigInvalid, "template has no disks to resize")
	}
	disk := disks[0].(*types.VirtualDisk)
	capacityKB := diskGiB * 1024 * 1024
	if disk.CapacityInKB > capacityKB {
		return nil, faults.New(faults.ConfigInvalid,
			"can't resize template disk down, initial capacity is larger: %dKiB > %dKiB",
			disk.CapacityInKB, capacityKB)
	}
	disk.CapacityInKB = capacityKB
	return &types.VirtualDeviceConfigSpec{
		Operation: types.VirtualDeviceConfigSpecOperationEdit,
		Device:    disk,
	}, nil
}

// SetPower drives the VM toward the requested power condition. Ops
// that already hold are no-ops, which keeps deploy replays quiet.
func (a *Adapter) SetPower(ctx context.Context, nativeID string, op platform.PowerOp) error {
	sess, err := a.session(ctx)
	if err != nil {
		return err
	}
	vm := object.NewVirtualMachine(sess.Client.Client, *a.vm(nativeID))

	state, err := vm.PowerState(ctx)
	if err != nil {
		return classify(err, "power state of vm %q", nativeID)
	}

	var powerTask *object.Task
	switch op {
	case platform.PowerOn:
		if state == types.VirtualMachinePowerStatePoweredOn {
			return nil
		}
		powerTask, err = vm.PowerOn(ctx)
	case platform.PowerOff:
		if state == types.VirtualMachinePowerStatePoweredOff {
			return nil
		}
		powerTask, err = vm.PowerOff(ctx)
	case platform.PowerShutdown:
		if state == types.VirtualMachinePowerStatePoweredOff {
			return nil
		}
		// Guest-clean shutdown when tools are up, hard off when not.
		if err := vm.ShutdownGuest(ctx); err != nil {
			if !isToolsUnavailable(err) {
				return classify(err, "guest shutdown of vm %q", nativeID)
			}
			a.log.V(2).Info("guest tools unavailable, powering off hard", "vm", nativeID)
			powerTask, err = vm.PowerOff(ctx)
			if err != nil {
				return classify(err, "powering off vm %q", nativeID)
			}
		}
	case platform.PowerReboot:
		if err := vm.RebootGuest(ctx); err != nil {
			if !isToolsUnavailable(err) {
				return classify(err, "guest reboot of vm %q", nativeID)
			}
			powerTask, err = vm.Reset(ctx)
			if err != nil {
				return classify(err, "resetting vm %q", nativeID)
			}
		}
	case platform.PowerSuspend:
		if state == types.VirtualMachinePowerStateSuspended {
			return nil
		}
		powerTask, err = vm.Suspend(ctx)
	default:
		return faults.New(faults.ConfigInvalid, "unknown power op %q", op)
	}
	if err != nil {
		return classify(err, "power %s of vm %q", op, nativeID)
	}
	if powerTask != nil {
		if _, err := powerTask.WaitForResult(ctx); err != nil {
			return classify(err, "power %s of vm %q", op, nativeID)
		}
	}
	return nil
}

// WaitForLiveness polls until guest tools report an IP address and
// returns it. The caller owns the deadline via ctx.
func (a *Adapter) WaitForLiveness(ctx context.Context, nativeID string) (string, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return "", err
	}
	pc := property.DefaultCollector(sess.Client.Client)
	ref := *a.vm(nativeID)

	var ip string
	err = retry.Until(ctx, a.opts.LivenessPoll, func(ctx context.Context) (bool, error) {
		var obj mo.VirtualMachine
		if err := pc.RetrieveOne(ctx, ref, []string{"runtime.powerState", "guest.ipAddress"}, &obj); err != nil {
			cerr := classify(err, "probing vm %q", nativeID)
			if faults.Is(cerr, faults.ResourceMissing) {
				return retry.SevereError(cerr)
			}
			return retry.MinorError(cerr)
		}
		if obj.Runtime.PowerState != types.VirtualMachinePowerStatePoweredOn {
			return retry.MinorError(faults.New(faults.TransitionBusy, "vm %q is %s", nativeID, obj.Runtime.PowerState))
		}
		if obj.Guest == nil || obj.Guest.IpAddress == "" {
			return retry.MinorError(faults.New(faults.Timeout, "vm %q has not reported an address", nativeID))
		}
		if parsed := net.ParseIP(obj.Guest.IpAddress); parsed == nil || parsed.IsLinkLocalUnicast() {
			return retry.MinorError(faults.New(faults.Timeout, "vm %q reported unusable address %q", nativeID, obj.Guest.IpAddress))
		}
		ip = obj.Guest.IpAddress
		return retry.Ok()
	})
	if err != nil {
		return "", err
	}
	return ip, nil
}

// Describe reports the registry view of one VM.
func (a *Adapter) Describe(ctx context.Context, kind api.ResourceKind, nativeID string) (api.Resource, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return api.Resource{}, err
	}
	pc := property.DefaultCollector(sess.Client.Client)

	var obj mo.VirtualMachine
	props := []string{"name", "config", "guest", "runtime.powerState", "summary.quickStats"}
	if err := pc.RetrieveOne(ctx, *a.vm(nativeID), props, &obj); err != nil {
		return api.Resource{}, classify(err, "describing vm %q", nativeID)
	}
	return a.resourceFromManagedObject(kind, nativeID, obj), nil
}

func (a *Adapter) resourceFromManagedObject(kind api.ResourceKind, nativeID string, obj mo.VirtualMachine) api.Resource {
	res := api.Resource{
		Identity:      platform.Identity(a, kind, nativeID),
		Name:          obj.Name,
		State:         stateFromPower(obj.Runtime.PowerState),
		UptimeSeconds: int64(obj.Summary.QuickStats.UptimeSeconds),
	}
	if obj.Config != nil {
		res.CPU = obj.Config.Hardware.NumCPU
		res.MemoryMiB = int64(obj.Config.Hardware.MemoryMB)
		for _, dev := range object.VirtualDeviceList(obj.Config.Hardware.Device).SelectByType((*types.VirtualDisk)(nil)) {
			res.DiskGiB += dev.(*types.VirtualDisk).CapacityInKB / (1024 * 1024)
		}
		res.Tags = tagsFromOptions(obj.Config.ExtraConfig)
		res.LabID = res.Tags[platform.TagLab]
		res.OSFamily = api.OSFamily(res.Tags[platform.TagOS])
		switch {
		case obj.Config.Template:
			res.Identity.Kind = api.ResourceTemplate
			res.State = api.StateStopped
		case res.Identity.Kind == api.ResourceVM:
			res.Identity.Kind = platform.MachineKindFor(res.Tags)
		}
	}
	if obj.Guest != nil {
		res.IP = obj.Guest.IpAddress
		for _, nic := range obj.Guest.Net {
			res.NICs = append(res.NICs, api.NIC{
				MAC:     nic.MacAddress,
				Network: nic.Network,
				IP:      firstUsableIP(nic.IpAddress),
			})
		}
		if res.OSFamily == "" {
			res.OSFamily = osFamilyFromGuest(obj.Guest.GuestFamily)
		}
	}
	if res.OSFamily == "" {
		res.OSFamily = api.OSUnknown
	}
	return res
}

func stateFromPower(state types.VirtualMachinePowerState) api.ResourceState {
	switch state {
	case types.VirtualMachinePowerStatePoweredOn:
		return api.StateRunning
	case types.VirtualMachinePowerStatePoweredOff:
		return api.StateStopped
	case types.VirtualMachinePowerStateSuspended:
		return api.StatePaused
	default:
		return api.StateUnknown
	}
}

func osFamilyFromGuest(guestFamily string) api.OSFamily {
	switch guestFamily {
	case "windowsGuest":
		return api.OSWindows
	case "linuxGuest":
		return api.OSLinux
	default:
		return ""
	}
}

func firstUsableIP(addrs []string) string {
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil || ip.IsLinkLocalUnicast() || ip.To4() == nil {
			continue
		}
		return addr
	}
	return ""
}

// List enumerates resources of the given kind via a container view
// rooted at the datacenter.
func (a *Adapter) List(ctx context.Context, kind api.ResourceKind) (platform.ResourceIterator, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, err
	}

	switch kind {
	case api.ResourceVM, api.ResourceTemplate:
		return a.listVMs(ctx, sess, kind)
	case api.ResourceNetwork:
		return a.listNetworks(ctx, sess)
	case api.ResourceHost:
		return a.listHosts(ctx, sess)
	default:
		return nil, faults.New(faults.ConfigInvalid, "vsphere cannot list %q resources", kind)
	}
}

func (a *Adapter) listVMs(ctx context.Context, sess *Session, kind api.ResourceKind) (platform.ResourceIterator, error) {
	m := view.NewManager(sess.Client.Client)
	v, err := m.CreateContainerView(ctx, sess.Client.Client.ServiceContent.RootFolder, []string{"VirtualMachine"}, true)
	if err != nil {
		return nil, classify(err, "creating container view")
	}
	defer func() {
		if err := v.Destroy(ctx); err != nil {
			a.log.V(2).Error(err, "destroying container view")
		}
	}()

	var vms []mo.VirtualMachine
	props := []string{"name", "config", "guest", "runtime.powerState", "summary.quickStats"}
	if err := v.Retrieve(ctx, []string{"VirtualMachine"}, props, &vms); err != nil {
		return nil, classify(err, "listing virtual machines")
	}

	var out []api.Resource
	for _, obj := range vms {
		isTemplate := obj.Config != nil && obj.Config.Template
		if (kind == api.ResourceTemplate) != isTemplate {
			continue
		}
		out = append(out, a.resourceFromManagedObject(kind, obj.Self.Value, obj))
	}
	return platform.NewSliceIterator(out), nil
}

func (a *Adapter) listNetworks(ctx context.Context, sess *Session) (platform.ResourceIterator, error) {
	m := view.NewManager(sess.Client.Client)
	v, err := m.CreateContainerView(ctx, sess.Client.Client.ServiceContent.RootFolder, []string{"Network"}, true)
	if err != nil {
		return nil, classify(err, "creating container view")
	}
	defer func() { _ = v.Destroy(ctx) }()

	var nets []mo.Network
	if err := v.Retrieve(ctx, []string{"Network"}, []string{"name"}, &nets); err != nil {
		return nil, classify(err, "listing networks")
	}
	var out []api.Resource
	for _, n := range nets {
		out = append(out, api.Resource{
			Identity: platform.Identity(a, api.ResourceNetwork, n.Self.Value),
			Name:     n.Name,
			State:    api.StateRunning,
		})
	}
	return platform.NewSliceIterator(out), nil
}

func (a *Adapter) listHosts(ctx context.Context, sess *Session) (platform.ResourceIterator, error) {
	m := view.NewManager(sess.Client.Client)
	v, err := m.CreateContainerView(ctx, sess.Client.Client.ServiceContent.RootFolder, []string{"HostSystem"}, true)
	if err != nil {
		return nil, classify(err, "creating container view")
	}
	defer func() { _ = v.Destroy(ctx) }()

	var hosts []mo.HostSystem
	if err := v.Retrieve(ctx, []string{"HostSystem"}, []string{"name", "runtime", "summary.hardware"}, &hosts); err != nil {
		return nil, classify(err, "listing hosts")
	}
	var out []api.Resource
	for _, h := range hosts {
		res := api.Resource{
			Identity: platform.Identity(a, api.ResourceHost, h.Self.Value),
			Name:     h.Name,
			State:    stateFromHostRuntime(h.Runtime),
		}
		if hw := h.Summary.Hardware; hw != nil {
			res.CPU = int32(hw.NumCpuCores)
			res.MemoryMiB = hw.MemorySize / (1024 * 1024)
		}
		out = append(out, res)
	}
	return platform.NewSliceIterator(out), nil
}

func stateFromHostRuntime(rt types.HostRuntimeInfo) api.ResourceState {
	switch rt.ConnectionState {
	case types.HostSystemConnectionStateConnected:
		return api.StateRunning
	case types.HostSystemConnectionStateDisconnected:
		return api.StateStopped
	case types.HostSystemConnectionStateNotResponding:
		return api.StateError
	default:
		return api.StateUnknown
	}
}

// AttachNetwork rebacks the VM's first NIC onto the port group carrying
// the lease's VLAN, adding a NIC when the template shipped without one.
func (a *Adapter) AttachNetwork(ctx context.Context, nativeID string, lease api.Lease) error {
	sess, err := a.session(ctx)
	if err != nil {
		return err
	}
	networkName := fmt.Sprintf(a.opts.NetworkNameTemplate, lease.VLAN)
	ref, err := sess.Finder.Network(ctx, networkName)
	if err != nil {
		return classify(err, "port group %q for vlan %d", networkName, lease.VLAN)
	}
	backing, err := ref.EthernetCardBackingInfo(ctx)
	if err != nil {
		return classify(err, "backing info for port group %q", networkName)
	}

	vm := object.NewVirtualMachine(sess.Client.Client, *a.vm(nativeID))
	devices, err := vm.Device(ctx)
	if err != nil {
		return classify(err, "devices of vm %q", nativeID)
	}

	var change types.BaseVirtualDeviceConfigSpec
	if nics := devices.SelectByType((*types.VirtualEthernetCard)(nil)); len(nics) > 0 {
		nic := nics[0].(types.BaseVirtualEthernetCard).GetVirtualEthernetCard()
		nic.Backing = backing
		change = &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationEdit,
			Device:    nics[0],
		}
	} else {
		dev, err := object.EthernetCardTypes().CreateEthernetCard(ethCardType, backing)
		if err != nil {
			return classify(err, "creating %s card for vm %q", ethCardType, nativeID)
		}
		change = &types.VirtualDeviceConfigSpec{
			Operation: types.VirtualDeviceConfigSpecOperationAdd,
			Device:    dev,
		}
	}

	reconfigTask, err := vm.Reconfigure(ctx, types.VirtualMachineConfigSpec{
		DeviceChange: []types.BaseVirtualDeviceConfigSpec{change},
	})
	if err != nil {
		return classify(err, "attaching vm %q to %q", nativeID, networkName)
	}
	if _, err := reconfigTask.WaitForResult(ctx); err != nil {
		return classify(err, "attaching vm %q to %q", nativeID, networkName)
	}
	a.log.Info("attached lab network", "vm", nativeID, "network", networkName, "vlan", lease.VLAN)
	return nil
}

// Delete destroys the VM. Running VMs are refused unless force is set;
// a VM that is already gone is a success.
func (a *Adapter) Delete(ctx context.Context, nativeID string, force bool) error {
	sess, err := a.session(ctx)
	if err != nil {
		return err
	}
	vm := object.NewVirtualMachine(sess.Client.Client, *a.vm(nativeID))

	state, err := vm.PowerState(ctx)
	if err != nil {
		cerr := classify(err, "power state of vm %q", nativeID)
		if faults.Is(cerr, faults.ResourceMissing) {
			return nil
		}
		return cerr
	}
	if state == types.VirtualMachinePowerStatePoweredOn {
		if !force {
			return faults.New(faults.TransitionBusy, "vm %q is powered on; shut it down or force", nativeID)
		}
		offTask, err := vm.PowerOff(ctx)
		if err != nil {
			return classify(err, "powering off vm %q", nativeID)
		}
		if _, err := offTask.WaitForResult(ctx); err != nil {
			cerr := classify(err, "powering off vm %q", nativeID)
			// A power-off race is fine, anything else is not.
			if !faults.Is(cerr, faults.TransitionBusy) {
				return cerr
			}
		}
	}

	destroyTask, err := vm.Destroy(ctx)
	if err != nil {
		cerr := classify(err, "destroying vm %q", nativeID)
		if faults.Is(cerr, faults.ResourceMissing) {
			return nil
		}
		return cerr
	}
	if _, err := destroyTask.WaitForResult(ctx); err != nil {
		cerr := classify(err, "destroying vm %q", nativeID)
		if faults.Is(cerr, faults.ResourceMissing) {
			return nil
		}
		return cerr
	}
	a.log.Info("destroyed vm", "vm", nativeID)
	return nil
}
