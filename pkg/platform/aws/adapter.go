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

// Package aws implements the platform adapter for EC2. Launches carry
// a deterministic client token plus ownership tags, so a replayed
// deploy request finds its earlier instance instead of paying for a
// second one.
package aws

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
	"github.com/rangeforge/rangeforge/pkg/util/retry"
)

const defaultLivenessPoll = 5 * time.Second

// ec2API is the slice of the EC2 client the adapter uses. Tests swap in
// a mock; *ec2.Client satisfies it.
type ec2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, params *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
	DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error)
	CreateNetworkInterface(ctx context.Context, params *ec2.CreateNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.CreateNetworkInterfaceOutput, error)
	AttachNetworkInterface(ctx context.Context, params *ec2.AttachNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.AttachNetworkInterfaceOutput, error)
}

// Options configures one EC2 region as a backend instance.
type Options struct {
	Instance string
	Region   string

	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// VPCID scopes listings and address discovery. SubnetID is the
	// launch subnet; leased segments attach as secondary interfaces.
	VPCID    string
	SubnetID string

	SecurityGroupIDs []string
	InstanceType     string
	KeyName          string

	// VLANTagKey is the subnet tag carrying the VLAN id of a leased
	// segment, e.g. subnets tagged rangeforge:vlan=107.
	VLANTagKey string

	LivenessPoll time.Duration
}

// Adapter drives one EC2 region.
type Adapter struct {
	log    logr.Logger
	opts   Options
	client ec2API

	mu        sync.Mutex
	typeCache map[string]ec2types.InstanceTypeInfo
}

var _ platform.Adapter = &Adapter{}
var _ platform.AddressDiscoverer = &Adapter{}

// New builds the adapter with a real EC2 client.
func New(ctx context.Context, log logr.Logger, opts Options) (*Adapter, error) {
	if opts.Instance == "" || opts.Region == "" {
		return nil, faults.New(faults.ConfigInvalid, "aws adapter needs instance and region")
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, faults.Wrap(err, faults.ConfigInvalid, "loading aws config for %q", opts.Instance)
	}
	return newWithClient(log, opts, ec2.NewFromConfig(cfg)), nil
}

func newWithClient(log logr.Logger, opts Options, client ec2API) *Adapter {
	if opts.InstanceType == "" {
		opts.InstanceType = "t3.medium"
	}
	if opts.VLANTagKey == "" {
		opts.VLANTagKey = "rangeforge:vlan"
	}
	if opts.LivenessPoll <= 0 {
		opts.LivenessPoll = defaultLivenessPoll
	}
	return &Adapter{
		log:       log.WithName("aws").WithValues("instance", opts.Instance),
		opts:      opts,
		client:    client,
		typeCache: map[string]ec2types.InstanceTypeInfo{},
	}
}

func (a *Adapter) Kind() api.BackendKind { return api.BackendAWS }
func (a *Adapter) Instance() string      { return a.opts.Instance }

// clientToken derives the RunInstances idempotency token from the
// request and node name.
func clientToken(spec platform.CloneSpec) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(spec.RequestID+"/"+spec.Node.Name)).String()
}

// CloneFromTemplate launches an instance from the node's AMI. EC2 has
// no powered-off launch, so the instance comes up running; deploys
// treat the later power-on as a no-op. Replays resolve to the earlier
// instance via the ownership tags, backed by the client token.
func (a *Adapter) CloneFromTemplate(ctx context.Context, spec platform.CloneSpec) (string, error) {
	if prior, err := a.findByRequest(ctx, spec.RequestID, spec.Node.Name); err != nil {
		return "", err
	} else if prior != "" {
		a.log.V(2).Info("launch already exists for request", "request", spec.RequestID, "node", spec.Node.Name, "instance", prior)
		return prior, nil
	}

	imageID, err := a.resolveImage(ctx, spec.Node.Template)
	if err != nil {
		return "", err
	}

	tags := []ec2types.Tag{
		{Key: aws.String("Name"), Value: aws.String(spec.VMName())},
	}
	specTags := spec.Tags()
	keys := make([]string, 0, len(specTags))
	for k := range specTags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(specTags[k])})
	}

	instanceType := a.opts.InstanceType
	if t, ok := spec.Node.Tags["aws/instance-type"]; ok {
		instanceType = t
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(imageID),
		InstanceType: ec2types.InstanceType(instanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ClientToken:  aws.String(clientToken(spec)),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if a.opts.SubnetID != "" {
		input.SubnetId = aws.String(a.opts.SubnetID)
	}
	if len(a.opts.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = a.opts.SecurityGroupIDs
	}
	if a.opts.KeyName != "" {
		input.KeyName = aws.String(a.opts.KeyName)
	}

	a.log.Info("launching instance", "image", imageID, "name", spec.VMName(), "type", instanceType)
	out, err := a.client.RunInstances(ctx, input)
	if err != nil {
		return "", classify(err, "launching %q", spec.VMName())
	}
	if len(out.Instances) == 0 {
		return "", faults.New(faults.Internal, "launch of %q returned no instances", spec.VMName())
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

// findByRequest looks for a live instance already tagged with the
// request/node pair.
func (a *Adapter) findByRequest(ctx context.Context, requestID, node string) (string, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + platform.TagRequest), Values: []string{requestID}},
			{Name: aws.String("tag:" + platform.TagNode), Values: []string{node}},
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	})
	if err != nil {
		return "", classify(err, "looking up prior launch for request %s", requestID)
	}
	for _, r := range out.Reservations {
		for _, in := range r.Instances {
			return aws.ToString(in.InstanceId), nil
		}
	}
	return "", nil
}

// resolveImage accepts an AMI id directly or resolves a template name
// to the newest matching image owned by this account.
func (a *Adapter) resolveImage(ctx context.Context, template string) (string, error) {
	if strings.HasPrefix(template, "ami-") {
		return template, nil
	}
	out, err := a.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Owners: []string{"self"},
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{template}},
			{Name: aws.String("state"), Values: []string{"available"}},
		},
	})
	if err != nil {
		return "", classify(err, "resolving image %q", template)
	}
	if len(out.Images) == 0 {
		return "", faults.New(faults.ResourceMissing, "no image named %q", template)
	}
	images := out.Images
	sort.Slice(images, func(i, j int) bool {
		return aws.ToString(images[i].CreationDate) > aws.ToString(images[j].CreationDate)
	})
	return aws.ToString(images[0].ImageId), nil
}

// SetPower maps the uniform power ops onto the EC2 lifecycle. Suspend
// becomes hibernate, shutdown a graceful stop, off a forced stop.
func (a *Adapter) SetPower(ctx context.Context, nativeID string, op platform.PowerOp) error {
	var err error
	switch op {
	case platform.PowerOn:
		_, err = a.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{nativeID}})
	case platform.PowerOff:
		_, err = a.client.StopInstances(ctx, &ec2.StopInstancesInput{
			InstanceIds: []string{nativeID},
			Force:       aws.Bool(true),
		})
	case platform.PowerShutdown:
		_, err = a.client.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{nativeID}})
	case platform.PowerReboot:
		_, err = a.client.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{nativeID}})
	case platform.PowerSuspend:
		_, err = a.client.StopInstances(ctx, &ec2.StopInstancesInput{
			InstanceIds: []string{nativeID},
			Hibernate:   aws.Bool(true),
		})
	default:
		return faults.New(faults.ConfigInvalid, "unknown power op %q", op)
	}
	if err != nil {
		return classify(err, "power %s of instance %s", op, nativeID)
	}
	return nil
}

// WaitForLiveness polls until the instance is running with a private
// address and returns that address.
func (a *Adapter) WaitForLiveness(ctx context.Context, nativeID string) (string, error) {
	var ip string
	err := retry.Until(ctx, a.opts.LivenessPoll, func(ctx context.Context) (bool, error) {
		in, err := a.instance(ctx, nativeID)
		if err != nil {
			if faults.Is(err, faults.ResourceMissing) {
				return retry.SevereError(err)
			}
			return retry.MinorError(err)
		}
		if in.State == nil {
			return retry.MinorError(faults.New(faults.TransitionBusy, "instance %s reported no state", nativeID))
		}
		switch name := in.State.Name; name {
		case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
			return retry.SevereError(faults.New(faults.ResourceMissing, "instance %s is %s", nativeID, name))
		case ec2types.InstanceStateNameRunning:
		default:
			return retry.MinorError(faults.New(faults.TransitionBusy, "instance %s is %s", nativeID, name))
		}
		if aws.ToString(in.PrivateIpAddress) == "" {
			return retry.MinorError(faults.New(faults.TransitionBusy, "instance %s has no address yet", nativeID))
		}
		ip = aws.ToString(in.PrivateIpAddress)
		return retry.Ok()
	})
	if err != nil {
		return "", err
	}
	return ip, nil
}

func (a *Adapter) instance(ctx context.Context, nativeID string) (ec2types.Instance, error) {
	out, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{nativeID},
	})
	if err != nil {
		return ec2types.Instance{}, classify(err, "describing instance %s", nativeID)
	}
	for _, r := range out.Reservations {
		for _, in := range r.Instances {
			return in, nil
		}
	}
	return ec2types.Instance{}, faults.New(faults.ResourceMissing, "instance %s not found", nativeID)
}

// Describe reports the registry view of one instance. Terminated
// instances read as missing so the agents retire them.
func (a *Adapter) Describe(ctx context.Context, kind api.ResourceKind, nativeID string) (api.Resource, error) {
	if kind == api.ResourceTemplate {
		return a.describeImage(ctx, nativeID)
	}
	in, err := a.instance(ctx, nativeID)
	if err != nil {
		return api.Resource{}, err
	}
	if in.State != nil && in.State.Name == ec2types.InstanceStateNameTerminated {
		return api.Resource{}, faults.New(faults.ResourceMissing, "instance %s is terminated", nativeID)
	}
	return a.resourceFromInstance(ctx, in), nil
}

func (a *Adapter) describeImage(ctx context.Context, nativeID string) (api.Resource, error) {
	out, err := a.client.DescribeImages(ctx, &ec2.DescribeImagesInput{ImageIds: []string{nativeID}})
	if err != nil {
		return api.Resource{}, classify(err, "describing image %s", nativeID)
	}
	if len(out.Images) == 0 {
		return api.Resource{}, faults.New(faults.ResourceMissing, "image %s not found", nativeID)
	}
	return a.resourceFromImage(out.Images[0]), nil
}

func (a *Adapter) resourceFromInstance(ctx context.Context, in ec2types.Instance) api.Resource {
	id := aws.ToString(in.InstanceId)
	res := api.Resource{
		Identity: platform.Identity(a, api.ResourceVM, id),
		State:    stateFromInstance(in.State),
		Tags:     map[string]string{},
		IP:       aws.ToString(in.PrivateIpAddress),
	}
	for _, t := range in.Tags {
		k, v := aws.ToString(t.Key), aws.ToString(t.Value)
		if k == "Name" {
			res.Name = v
			continue
		}
		res.Tags[k] = v
	}
	if res.Name == "" {
		res.Name = id
	}
	res.Identity.Kind = platform.MachineKindFor(res.Tags)
	res.LabID = res.Tags[platform.TagLab]
	// EC2 has no uptime counter; launch time is the closest proxy and
	// only means anything while the instance runs.
	if res.State == api.StateRunning && in.LaunchTime != nil {
		res.UptimeSeconds = int64(time.Since(*in.LaunchTime).Seconds())
	}
	res.OSFamily = api.OSFamily(res.Tags[platform.TagOS])
	if res.OSFamily == "" {
		if in.Platform == ec2types.PlatformValuesWindows {
			res.OSFamily = api.OSWindows
		} else {
			res.OSFamily = api.OSLinux
		}
	}
	for _, nic := range in.NetworkInterfaces {
		res.NICs = append(res.NICs, api.NIC{
			MAC:     aws.ToString(nic.MacAddress),
			Network: aws.ToString(nic.SubnetId),
			IP:      aws.ToString(nic.PrivateIpAddress),
		})
	}
	if info, ok := a.instanceTypeInfo(ctx, in.InstanceType); ok {
		if info.VCpuInfo != nil {
			res.CPU = aws.ToInt32(info.VCpuInfo.DefaultVCpus)
		}
		if info.MemoryInfo != nil {
			res.MemoryMiB = aws.ToInt64(info.MemoryInfo.SizeInMiB)
		}
	}
	return res
}

func (a *Adapter) resourceFromImage(img ec2types.Image) api.Resource {
	res := api.Resource{
		Identity: platform.Identity(a, api.ResourceTemplate, aws.ToString(img.ImageId)),
		Name:     aws.ToString(img.Name),
		State:    api.StateStopped,
		Tags:     map[string]string{},
	}
	for _, t := range img.Tags {
		res.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	if img.Platform == ec2types.PlatformValuesWindows {
		res.OSFamily = api.OSWindows
	} else {
		res.OSFamily = api.OSLinux
	}
	for _, bdm := range img.BlockDeviceMappings {
		if bdm.Ebs != nil {
			res.DiskGiB += int64(aws.ToInt32(bdm.Ebs.VolumeSize))
		}
	}
	return res
}

// instanceTypeInfo resolves vCPU and memory for an instance type, cached
// per adapter since the catalog is static.
func (a *Adapter) instanceTypeInfo(ctx context.Context, t ec2types.InstanceType) (ec2types.InstanceTypeInfo, bool) {
	a.mu.Lock()
	if info, ok := a.typeCache[string(t)]; ok {
		a.mu.Unlock()
		return info, true
	}
	a.mu.Unlock()

	out, err := a.client.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: []ec2types.InstanceType{t},
	})
	if err != nil || len(out.InstanceTypes) == 0 {
		a.log.V(2).Info("could not resolve instance type", "type", string(t))
		return ec2types.InstanceTypeInfo{}, false
	}
	info := out.InstanceTypes[0]
	a.mu.Lock()
	a.typeCache[string(t)] = info
	a.mu.Unlock()
	return info, true
}

func stateFromInstance(state *ec2types.InstanceState) api.ResourceState {
	if state == nil {
		return api.StateUnknown
	}
	switch state.Name {
	case ec2types.InstanceStateNameRunning:
		return api.StateRunning
	case ec2types.InstanceStateNameStopped:
		return api.StateStopped
	case ec2types.InstanceStateNamePending, ec2types.InstanceStateNameStopping:
		return api.StateUnknown
	case ec2types.InstanceStateNameShuttingDown, ec2types.InstanceStateNameTerminated:
		// Terminated instances drop out of listings; Describe can
		// still name them for a while.
		return api.StateError
	default:
		return api.StateUnknown
	}
}

// List enumerates instances, images or subnets. The host kind has no
// EC2 equivalent and lists empty.
func (a *Adapter) List(ctx context.Context, kind api.ResourceKind) (platform.ResourceIterator, error) {
	switch kind {
	case api.ResourceVM:
		return a.listInstances(ctx)
	case api.ResourceTemplate:
		return a.listImages(ctx)
	case api.ResourceNetwork:
		return a.listSubnets(ctx)
	case api.ResourceHost:
		return platform.NewSliceIterator(nil), nil
	default:
		return nil, faults.New(faults.ConfigInvalid, "aws cannot list %q resources", kind)
	}
}

func (a *Adapter) listInstances(ctx context.Context) (platform.ResourceIterator, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
		},
	}
	if a.opts.VPCID != "" {
		input.Filters = append(input.Filters, ec2types.Filter{
			Name: aws.String("vpc-id"), Values: []string{a.opts.VPCID},
		})
	}

	var out []api.Resource
	p := ec2.NewDescribeInstancesPaginator(a.client, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify(err, "listing instances")
		}
		for _, r := range page.Reservations {
			for _, in := range r.Instances {
				out = append(out, a.resourceFromInstance(ctx, in))
			}
		}
	}
	return platform.NewSliceIterator(out), nil
}

func (a *Adapter) listImages(ctx context.Context) (platform.ResourceIterator, error) {
	resp, err := a.client.DescribeImages(ctx, &ec2.DescribeImagesInput{Owners: []string{"self"}})
	if err != nil {
		return nil, classify(err, "listing images")
	}
	var out []api.Resource
	for _, img := range resp.Images {
		out = append(out, a.resourceFromImage(img))
	}
	return platform.NewSliceIterator(out), nil
}

func (a *Adapter) listSubnets(ctx context.Context) (platform.ResourceIterator, error) {
	input := &ec2.DescribeSubnetsInput{}
	if a.opts.VPCID != "" {
		input.Filters = []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{a.opts.VPCID}}}
	}
	resp, err := a.client.DescribeSubnets(ctx, input)
	if err != nil {
		return nil, classify(err, "listing subnets")
	}
	var out []api.Resource
	for _, sn := range resp.Subnets {
		name := aws.ToString(sn.CidrBlock)
		for _, t := range sn.Tags {
			if aws.ToString(t.Key) == "Name" {
				name = aws.ToString(t.Value)
			}
		}
		out = append(out, api.Resource{
			Identity: platform.Identity(a, api.ResourceNetwork, aws.ToString(sn.SubnetId)),
			Name:     name,
			State:    api.StateRunning,
		})
	}
	return platform.NewSliceIterator(out), nil
}

// AttachNetwork attaches a secondary interface on the subnet tagged
// with the lease's VLAN.
func (a *Adapter) AttachNetwork(ctx context.Context, nativeID string, lease api.Lease) error {
	subnetID, err := a.subnetForVLAN(ctx, lease.VLAN)
	if err != nil {
		return err
	}

	eni, err := a.client.CreateNetworkInterface(ctx, &ec2.CreateNetworkInterfaceInput{
		SubnetId:    aws.String(subnetID),
		Groups:      a.opts.SecurityGroupIDs,
		Description: aws.String("rangeforge lab segment vlan " + strconv.Itoa(lease.VLAN)),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeNetworkInterface,
			Tags: []ec2types.Tag{
				{Key: aws.String(platform.TagLab), Value: aws.String(lease.LabID)},
			},
		}},
	})
	if err != nil {
		return classify(err, "creating interface on subnet %s", subnetID)
	}

	_, err = a.client.AttachNetworkInterface(ctx, &ec2.AttachNetworkInterfaceInput{
		InstanceId:         aws.String(nativeID),
		NetworkInterfaceId: eni.NetworkInterface.NetworkInterfaceId,
		DeviceIndex:        aws.Int32(1),
	})
	if err != nil {
		return classify(err, "attaching interface to instance %s", nativeID)
	}
	a.log.Info("attached lab segment", "instance", nativeID, "subnet", subnetID, "vlan", lease.VLAN)
	return nil
}

func (a *Adapter) subnetForVLAN(ctx context.Context, vlan int) (string, error) {
	filters := []ec2types.Filter{
		{Name: aws.String("tag:" + a.opts.VLANTagKey), Values: []string{strconv.Itoa(vlan)}},
	}
	if a.opts.VPCID != "" {
		filters = append(filters, ec2types.Filter{Name: aws.String("vpc-id"), Values: []string{a.opts.VPCID}})
	}
	out, err := a.client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: filters})
	if err != nil {
		return "", classify(err, "finding subnet for vlan %d", vlan)
	}
	if len(out.Subnets) == 0 {
		return "", faults.New(faults.ResourceMissing, "no subnet tagged %s=%d", a.opts.VLANTagKey, vlan)
	}
	return aws.ToString(out.Subnets[0].SubnetId), nil
}

// ExecCommand is not available through the EC2 control plane; missions
// reach EC2 targets over the session runner instead.
func (a *Adapter) ExecCommand(ctx context.Context, nativeID string, cred platform.Credential, command string) (platform.ExecResult, error) {
	return platform.ExecResult{}, faults.New(faults.ConfigInvalid, "aws backend has no in-guest exec; use an ssh or winrm session")
}

// Delete terminates the instance. Running instances are refused unless
// forced; instances already gone terminate quietly.
func (a *Adapter) Delete(ctx context.Context, nativeID string, force bool) error {
	if !force {
		in, err := a.instance(ctx, nativeID)
		if err != nil {
			if faults.Is(err, faults.ResourceMissing) {
				return nil
			}
			return err
		}
		if in.State != nil && in.State.Name == ec2types.InstanceStateNameRunning {
			return faults.New(faults.TransitionBusy, "instance %s is running; stop it or force", nativeID)
		}
	}
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{nativeID}})
	if err != nil {
		cerr := classify(err, "terminating instance %s", nativeID)
		if faults.Is(cerr, faults.ResourceMissing) {
			return nil
		}
		return cerr
	}
	a.log.Info("terminated instance", "instance", nativeID)
	return nil
}

// DiscoverAddresses maps interface MACs to private addresses across the
// configured VPC, feeding the tier-3 discovery agent.
func (a *Adapter) DiscoverAddresses(ctx context.Context) (map[string]string, error) {
	input := &ec2.DescribeNetworkInterfacesInput{}
	if a.opts.VPCID != "" {
		input.Filters = []ec2types.Filter{{Name: aws.String("vpc-id"), Values: []string{a.opts.VPCID}}}
	}
	out, err := a.client.DescribeNetworkInterfaces(ctx, input)
	if err != nil {
		return nil, classify(err, "discovering addresses")
	}
	addrs := map[string]string{}
	for _, eni := range out.NetworkInterfaces {
		mac, ip := aws.ToString(eni.MacAddress), aws.ToString(eni.PrivateIpAddress)
		if mac == "" || ip == "" {
			continue
		}
		addrs[mac] = ip
	}
	return addrs, nil
}

