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

// Package fake is an in-memory platform backend. Tests use it to
// exercise the deployment and mission engines without a hypervisor,
// and the quickstart config runs against it end to end.
package fake

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

type vmRecord struct {
	nativeID string
	name     string
	state    api.ResourceState
	ip       string
	mac      string
	network  string
	cpu      int32
	memory   int64
	disk     int64
	osFamily api.OSFamily
	labID    string
	tags     map[string]string
	lease    *api.Lease
	gateway  bool
	wanIP    string
	bootedAt time.Time
}

// Adapter implements platform.Adapter in memory. The error-injection
// maps are keyed by node name and consulted on every call; tests set
// them before running an engine.
type Adapter struct {
	instance string

	mu        sync.Mutex
	templates map[string]api.Resource
	vms       map[string]*vmRecord
	nextID    int
	nextHost  int

	// CloneErrs fails CloneFromTemplate for the named node.
	CloneErrs map[string]error
	// LivenessErrs fails WaitForLiveness for the named node.
	LivenessErrs map[string]error
	// ListErrs fails List for the given kind.
	ListErrs map[api.ResourceKind]error
	// DeleteErrs fails Delete for the named node.
	DeleteErrs map[string]error
	// ExecResults maps an exact command to its result; unknown
	// commands exit 0 with empty output.
	ExecResults map[string]platform.ExecResult
	// CloneDelay stretches every clone, for concurrency assertions.
	CloneDelay time.Duration

	inFlight    int
	maxInFlight int
}

var _ platform.Adapter = (*Adapter)(nil)

func New(instance string) *Adapter {
	return &Adapter{
		instance:     instance,
		templates:    map[string]api.Resource{},
		vms:          map[string]*vmRecord{},
		nextID:       1000,
		nextHost:     10,
		CloneErrs:    map[string]error{},
		LivenessErrs: map[string]error{},
		ListErrs:     map[api.ResourceKind]error{},
		DeleteErrs:   map[string]error{},
		ExecResults:  map[string]platform.ExecResult{},
	}
}

func (f *Adapter) Kind() api.BackendKind { return api.BackendFake }
func (f *Adapter) Instance() string      { return f.instance }

// AddTemplate registers a source template.
func (f *Adapter) AddTemplate(name string, osFamily api.OSFamily) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[name] = api.Resource{
		Identity:  platform.Identity(f, api.ResourceTemplate, "tpl-"+name),
		Name:      name,
		State:     api.StateStopped,
		OSFamily:  osFamily,
		CPU:       2,
		MemoryMiB: 2048,
		DiskGiB:   20,
	}
}

// CloneFromTemplate implements platform.Adapter.
func (f *Adapter) CloneFromTemplate(ctx context.Context, spec platform.CloneSpec) (string, error) {
	f.mu.Lock()
	tpl, ok := f.templates[spec.Node.Template]
	if !ok {
		f.mu.Unlock()
		return "", faults.New(faults.ResourceMissing, "template %q not found on %s", spec.Node.Template, f.instance)
	}
	if err := f.CloneErrs[spec.Node.Name]; err != nil {
		f.mu.Unlock()
		return "", err
	}
	name := spec.VMName()
	for _, vm := range f.vms {
		if vm.tags[platform.TagRequest] == spec.RequestID && vm.tags[platform.TagNode] == spec.Node.Name {
			id := vm.nativeID
			f.mu.Unlock()
			return id, nil
		}
		if vm.name == name {
			f.mu.Unlock()
			return "", faults.New(faults.NameCollision, "vm %q already exists on %s", name, f.instance)
		}
	}
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.CloneDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
			return "", faults.Wrap(ctx.Err(), faults.CancelRequested, "clone %s", name)
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.nextID++
	vm := &vmRecord{
		nativeID: fmt.Sprintf("vm-%d", f.nextID),
		name:     name,
		state:    api.StateStopped,
		mac:      fmt.Sprintf("00:50:56:00:%02x:%02x", f.nextID/256%256, f.nextID%256),
		cpu:      tpl.CPU,
		memory:   tpl.MemoryMiB,
		disk:     tpl.DiskGiB,
		osFamily: tpl.OSFamily,
		labID:    spec.LabID,
		tags:     spec.Tags(),
		lease:    spec.Lease,
		gateway:  spec.Gateway,
		network:  "default",
	}
	if spec.Node.CPU > 0 {
		vm.cpu = spec.Node.CPU
	}
	if spec.Node.MemoryMiB > 0 {
		vm.memory = spec.Node.MemoryMiB
	}
	if spec.Node.OSFamily != "" {
		vm.osFamily = spec.Node.OSFamily
	}
	if spec.Lease != nil {
		vm.network = fmt.Sprintf("vlan-%d", spec.Lease.VLAN)
	}
	f.vms[vm.nativeID] = vm
	return vm.nativeID, nil
}

// SetPower implements platform.Adapter. Transitions are immediate.
func (f *Adapter) SetPower(_ context.Context, nativeID string, op platform.PowerOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[nativeID]
	if !ok {
		return faults.New(faults.ResourceMissing, "vm %s not found on %s", nativeID, f.instance)
	}
	switch op {
	case platform.PowerOn, platform.PowerReboot:
		if vm.state != api.StateRunning || op == platform.PowerReboot {
			vm.bootedAt = time.Now()
		}
		vm.state = api.StateRunning
	case platform.PowerOff, platform.PowerShutdown:
		vm.state = api.StateStopped
		vm.ip = ""
	case platform.PowerSuspend:
		vm.state = api.StatePaused
	default:
		return faults.New(faults.Internal, "unknown power op %q", op)
	}
	return nil
}

// WaitForLiveness implements platform.Adapter. Running VMs get an
// address on their segment the first time somebody waits for them.
func (f *Adapter) WaitForLiveness(ctx context.Context, nativeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[nativeID]
	if !ok {
		return "", faults.New(faults.ResourceMissing, "vm %s not found on %s", nativeID, f.instance)
	}
	if err := f.LivenessErrs[vm.tags[platform.TagNode]]; err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", faults.Wrap(err, faults.Timeout, "waiting for vm %s", nativeID)
	}
	if vm.state != api.StateRunning {
		return "", faults.New(faults.Timeout, "vm %s is %s, never became live", nativeID, vm.state)
	}
	if vm.ip == "" {
		vm.ip = f.assignIPLocked(vm)
	}
	if vm.gateway && vm.wanIP == "" {
		vm.wanIP = fmt.Sprintf("198.51.100.%d", f.nextHost)
		f.nextHost++
	}
	if vm.gateway {
		return vm.wanIP, nil
	}
	return vm.ip, nil
}

func (f *Adapter) assignIPLocked(vm *vmRecord) string {
	if vm.lease != nil {
		if _, ipnet, err := net.ParseCIDR(vm.lease.CIDR); err == nil {
			ip := ipnet.IP.To4()
			if ip != nil {
				host := make(net.IP, len(ip))
				copy(host, ip)
				host[3] = byte(f.nextHost)
				f.nextHost++
				return host.String()
			}
		}
	}
	ip := fmt.Sprintf("192.0.2.%d", f.nextHost)
	f.nextHost++
	return ip
}

// Describe implements platform.Adapter.
func (f *Adapter) Describe(_ context.Context, kind api.ResourceKind, nativeID string) (api.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind == api.ResourceTemplate {
		for _, tpl := range f.templates {
			if tpl.Identity.NativeID == nativeID {
				return tpl, nil
			}
		}
		return api.Resource{}, faults.New(faults.ResourceMissing, "template %s not found on %s", nativeID, f.instance)
	}
	vm, ok := f.vms[nativeID]
	if !ok {
		return api.Resource{}, faults.New(faults.ResourceMissing, "vm %s not found on %s", nativeID, f.instance)
	}
	return f.resourceLocked(vm), nil
}

func (f *Adapter) resourceLocked(vm *vmRecord) api.Resource {
	res := api.Resource{
		Identity:  platform.Identity(f, platform.MachineKindFor(vm.tags), vm.nativeID),
		Name:      vm.name,
		State:     vm.state,
		LabID:     vm.labID,
		IP:        vm.ip,
		CPU:       vm.cpu,
		MemoryMiB: vm.memory,
		DiskGiB:   vm.disk,
		OSFamily:  vm.osFamily,
		Tags:      vm.tags,
		NICs:      []api.NIC{{MAC: vm.mac, Network: vm.network, IP: vm.ip}},
	}
	if vm.state == api.StateRunning && !vm.bootedAt.IsZero() {
		res.UptimeSeconds = int64(time.Since(vm.bootedAt).Seconds())
	}
	if vm.gateway {
		res.IP = vm.wanIP
		res.NICs = append([]api.NIC{{MAC: vm.mac + ":w", Network: "uplink", IP: vm.wanIP}}, res.NICs...)
	}
	return res
}

// List implements platform.Adapter.
func (f *Adapter) List(_ context.Context, kind api.ResourceKind) (platform.ResourceIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ListErrs[kind]; err != nil {
		return nil, err
	}
	var items []api.Resource
	switch kind {
	case api.ResourceTemplate:
		for _, tpl := range f.templates {
			items = append(items, tpl)
		}
	case api.ResourceVM:
		for _, vm := range f.vms {
			items = append(items, f.resourceLocked(vm))
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return platform.NewSliceIterator(items), nil
}

// AttachNetwork implements platform.Adapter.
func (f *Adapter) AttachNetwork(_ context.Context, nativeID string, lease api.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[nativeID]
	if !ok {
		return faults.New(faults.ResourceMissing, "vm %s not found on %s", nativeID, f.instance)
	}
	vm.lease = &lease
	vm.network = fmt.Sprintf("vlan-%d", lease.VLAN)
	return nil
}

// ExecCommand implements platform.Adapter.
func (f *Adapter) ExecCommand(_ context.Context, nativeID string, _ platform.Credential, command string) (platform.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[nativeID]
	if !ok {
		return platform.ExecResult{}, faults.New(faults.ResourceMissing, "vm %s not found on %s", nativeID, f.instance)
	}
	if vm.state != api.StateRunning {
		return platform.ExecResult{}, faults.New(faults.TransitionBusy, "vm %s is %s", nativeID, vm.state)
	}
	if res, ok := f.ExecResults[command]; ok {
		return res, nil
	}
	return platform.ExecResult{ExitCode: 0}, nil
}

// Delete implements platform.Adapter.
func (f *Adapter) Delete(_ context.Context, nativeID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[nativeID]
	if !ok {
		return nil
	}
	if err := f.DeleteErrs[vm.tags[platform.TagNode]]; err != nil {
		return err
	}
	if vm.state == api.StateRunning && !force {
		return faults.New(faults.TransitionBusy, "vm %s is running; use force", nativeID)
	}
	delete(f.vms, nativeID)
	return nil
}

// Discovery adds the AddressDiscoverer capability on top of an
// Adapter. Plain Adapters deliberately lack the method so capability
// probing can be tested both ways.
type Discovery struct {
	*Adapter
}

// DiscoverAddresses implements platform.AddressDiscoverer, reporting
// the MAC-to-IP binding of every running VM.
func (d Discovery) DiscoverAddresses(_ context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]string{}
	for _, vm := range d.vms {
		if vm.state == api.StateRunning {
			if vm.ip == "" {
				vm.ip = d.assignIPLocked(vm)
			}
			out[vm.mac] = vm.ip
		}
	}
	return out, nil
}

// MaxInFlightClones reports the high-water mark of concurrent clones,
// for concurrency-limit assertions.
func (f *Adapter) MaxInFlightClones() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// VMNames lists current VM names, sorted.
func (f *Adapter) VMNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.vms))
	for _, vm := range f.vms {
		names = append(names, vm.name)
	}
	sort.Strings(names)
	return names
}
