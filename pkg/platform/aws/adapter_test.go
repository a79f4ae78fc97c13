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

package aws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rangeforge/rangeforge/pkg/api"
	"github.com/rangeforge/rangeforge/pkg/faults"
	"github.com/rangeforge/rangeforge/pkg/platform"
)

// mockEC2 scripts the EC2 calls a test expects. Unset methods answer
// with empty outputs.
type mockEC2 struct {
	runInstances              func(*ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error)
	startInstances            func(*ec2.StartInstancesInput) (*ec2.StartInstancesOutput, error)
	stopInstances             func(*ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error)
	rebootInstances           func(*ec2.RebootInstancesInput) (*ec2.RebootInstancesOutput, error)
	terminateInstances        func(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)
	describeInstances         func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	describeImages            func(*ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error)
	describeSubnets           func(*ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error)
	describeInstanceTypes     func(*ec2.DescribeInstanceTypesInput) (*ec2.DescribeInstanceTypesOutput, error)
	describeNetworkInterfaces func(*ec2.DescribeNetworkInterfacesInput) (*ec2.DescribeNetworkInterfacesOutput, error)
	createNetworkInterface    func(*ec2.CreateNetworkInterfaceInput) (*ec2.CreateNetworkInterfaceOutput, error)
	attachNetworkInterface    func(*ec2.AttachNetworkInterfaceInput) (*ec2.AttachNetworkInterfaceOutput, error)
}

func (m *mockEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	if m.runInstances == nil {
		return &ec2.RunInstancesOutput{}, nil
	}
	return m.runInstances(in)
}

func (m *mockEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	if m.startInstances == nil {
		return &ec2.StartInstancesOutput{}, nil
	}
	return m.startInstances(in)
}

func (m *mockEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	if m.stopInstances == nil {
		return &ec2.StopInstancesOutput{}, nil
	}
	return m.stopInstances(in)
}

func (m *mockEC2) RebootInstances(_ context.Context, in *ec2.RebootInstancesInput, _ ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error) {
	if m.rebootInstances == nil {
		return &ec2.RebootInstancesOutput{}, nil
	}
	return m.rebootInstances(in)
}

func (m *mockEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	if m.terminateInstances == nil {
		return &ec2.TerminateInstancesOutput{}, nil
	}
	return m.terminateInstances(in)
}

func (m *mockEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if m.describeInstances == nil {
		return &ec2.DescribeInstancesOutput{}, nil
	}
	return m.describeInstances(in)
}

func (m *mockEC2) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	if m.describeImages == nil {
		return &ec2.DescribeImagesOutput{}, nil
	}
	return m.describeImages(in)
}

func (m *mockEC2) DescribeSubnets(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	if m.describeSubnets == nil {
		return &ec2.DescribeSubnetsOutput{}, nil
	}
	return m.describeSubnets(in)
}

func (m *mockEC2) DescribeInstanceTypes(_ context.Context, in *ec2.DescribeInstanceTypesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error) {
	if m.describeInstanceTypes == nil {
		return &ec2.DescribeInstanceTypesOutput{}, nil
	}
	return m.describeInstanceTypes(in)
}

func (m *mockEC2) DescribeNetworkInterfaces(_ context.Context, in *ec2.DescribeNetworkInterfacesInput, _ ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	if m.describeNetworkInterfaces == nil {
		return &ec2.DescribeNetworkInterfacesOutput{}, nil
	}
	return m.describeNetworkInterfaces(in)
}

func (m *mockEC2) CreateNetworkInterface(_ context.Context, in *ec2.CreateNetworkInterfaceInput, _ ...func(*ec2.Options)) (*ec2.CreateNetworkInterfaceOutput, error) {
	if m.createNetworkInterface == nil {
		return &ec2.CreateNetworkInterfaceOutput{}, nil
	}
	return m.createNetworkInterface(in)
}

func (m *mockEC2) AttachNetworkInterface(_ context.Context, in *ec2.AttachNetworkInterfaceInput, _ ...func(*ec2.Options)) (*ec2.AttachNetworkInterfaceOutput, error) {
	if m.attachNetworkInterface == nil {
		return &ec2.AttachNetworkInterfaceOutput{}, nil
	}
	return m.attachNetworkInterface(in)
}

func testAdapter(m *mockEC2) *Adapter {
	return newWithClient(logr.Discard(), Options{
		Instance:     "use1",
		Region:       "us-east-1",
		VPCID:        "vpc-1",
		LivenessPoll: 5 * time.Millisecond,
	}, m)
}

func testCloneSpec() platform.CloneSpec {
	return platform.CloneSpec{
		RequestID: "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		LabID:     "lab1",
		Node: api.NodeSpec{
			Name:     "web",
			Template: "web-base",
			OSFamily: api.OSLinux,
		},
	}
}

func tagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}

func TestCloneLaunchesInstance(t *testing.T) {
	var launch *ec2.RunInstancesInput
	m := &mockEC2{
		describeImages: func(in *ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error) {
			require.Equal(t, []string{"self"}, in.Owners)
			return &ec2.DescribeImagesOutput{Images: []ec2types.Image{
				{ImageId: aws.String("ami-old"), CreationDate: aws.String("2023-01-01T00:00:00.000Z")},
				{ImageId: aws.String("ami-new"), CreationDate: aws.String("2024-06-01T00:00:00.000Z")},
			}}, nil
		},
		runInstances: func(in *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
			launch = in
			return &ec2.RunInstancesOutput{Instances: []ec2types.Instance{
				{InstanceId: aws.String("i-0abc")},
			}}, nil
		},
	}

	id, err := testAdapter(m).CloneFromTemplate(context.Background(), testCloneSpec())
	require.NoError(t, err)
	assert.Equal(t, "i-0abc", id)

	require.NotNil(t, launch)
	assert.Equal(t, "ami-new", aws.ToString(launch.ImageId), "newest image wins")
	assert.Equal(t, clientToken(testCloneSpec()), aws.ToString(launch.ClientToken))
	assert.Equal(t, ec2types.InstanceType("t3.medium"), launch.InstanceType)

	require.Len(t, launch.TagSpecifications, 1)
	tags := launch.TagSpecifications[0].Tags
	assert.Equal(t, "lab1-web", tagValue(tags, "Name"))
	assert.Equal(t, "lab1", tagValue(tags, platform.TagLab))
	assert.Equal(t, testCloneSpec().RequestID, tagValue(tags, platform.TagRequest))
	assert.Equal(t, "web", tagValue(tags, platform.TagNode))
	assert.Equal(t, "linux", tagValue(tags, platform.TagOS))
}

func TestCloneReplayFindsExisting(t *testing.T) {
	m := &mockEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{
				{Instances: []ec2types.Instance{{InstanceId: aws.String("i-prior")}}},
			}}, nil
		},
		runInstances: func(in *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
			t.Fatal("replay must not launch a second instance")
			return nil, nil
		},
	}

	id, err := testAdapter(m).CloneFromTemplate(context.Background(), testCloneSpec())
	require.NoError(t, err)
	assert.Equal(t, "i-prior", id)
}

func TestCloneQuotaFault(t *testing.T) {
	m := &mockEC2{
		runInstances: func(in *ec2.RunInstancesInput) (*ec2.RunInstancesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "InstanceLimitExceeded", Message: "too many"}
		},
	}

	spec := testCloneSpec()
	spec.Node.Template = "ami-direct"
	_, err := testAdapter(m).CloneFromTemplate(context.Background(), spec)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.QuotaExceeded))
}

func TestResolveImagePassthrough(t *testing.T) {
	m := &mockEC2{
		describeImages: func(in *ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error) {
			t.Fatal("ami ids resolve without a lookup")
			return nil, nil
		},
	}
	id, err := testAdapter(m).resolveImage(context.Background(), "ami-55")
	require.NoError(t, err)
	assert.Equal(t, "ami-55", id)
}

func TestResolveImageMissing(t *testing.T) {
	_, err := testAdapter(&mockEC2{}).resolveImage(context.Background(), "no-such-template")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ResourceMissing))
}

func TestSetPowerOps(t *testing.T) {
	var stop *ec2.StopInstancesInput
	var started, rebooted bool
	m := &mockEC2{
		startInstances: func(in *ec2.StartInstancesInput) (*ec2.StartInstancesOutput, error) {
			started = true
			return &ec2.StartInstancesOutput{}, nil
		},
		stopInstances: func(in *ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error) {
			stop = in
			return &ec2.StopInstancesOutput{}, nil
		},
		rebootInstances: func(in *ec2.RebootInstancesInput) (*ec2.RebootInstancesOutput, error) {
			rebooted = true
			return &ec2.RebootInstancesOutput{}, nil
		},
	}
	a := testAdapter(m)
	ctx := context.Background()

	require.NoError(t, a.SetPower(ctx, "i-1", platform.PowerOn))
	assert.True(t, started)

	require.NoError(t, a.SetPower(ctx, "i-1", platform.PowerOff))
	require.NotNil(t, stop)
	assert.True(t, aws.ToBool(stop.Force), "off is a forced stop")

	stop = nil
	require.NoError(t, a.SetPower(ctx, "i-1", platform.PowerShutdown))
	require.NotNil(t, stop)
	assert.Nil(t, stop.Force, "shutdown stays graceful")

	stop = nil
	require.NoError(t, a.SetPower(ctx, "i-1", platform.PowerSuspend))
	require.NotNil(t, stop)
	assert.True(t, aws.ToBool(stop.Hibernate))

	require.NoError(t, a.SetPower(ctx, "i-1", platform.PowerReboot))
	assert.True(t, rebooted)
}

func TestWaitForLiveness(t *testing.T) {
	calls := 0
	m := &mockEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			calls++
			inst := ec2types.Instance{
				InstanceId: aws.String("i-1"),
				State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNamePending},
			}
			if calls >= 3 {
				inst.State.Name = ec2types.InstanceStateNameRunning
				inst.PrivateIpAddress = aws.String("10.40.100.20")
			}
			return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{
				{Instances: []ec2types.Instance{inst}},
			}}, nil
		},
	}

	ip, err := testAdapter(m).WaitForLiveness(context.Background(), "i-1")
	require.NoError(t, err)
	assert.Equal(t, "10.40.100.20", ip)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestWaitForLivenessTerminated(t *testing.T) {
	m := &mockEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{
				{Instances: []ec2types.Instance{{
					InstanceId: aws.String("i-1"),
					State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated},
				}}},
			}}, nil
		},
	}

	_, err := testAdapter(m).WaitForLiveness(context.Background(), "i-1")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ResourceMissing))
}

func TestDescribeMapsInstance(t *testing.T) {
	m := &mockEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{
				{Instances: []ec2types.Instance{{
					InstanceId:       aws.String("i-1"),
					InstanceType:     ec2types.InstanceType("t3.large"),
					PrivateIpAddress: aws.String("10.40.100.30"),
					Platform:         ec2types.PlatformValuesWindows,
					State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
					Tags: []ec2types.Tag{
						{Key: aws.String("Name"), Value: aws.String("lab1-dc")},
						{Key: aws.String(platform.TagLab), Value: aws.String("lab1")},
					},
					NetworkInterfaces: []ec2types.InstanceNetworkInterface{{
						MacAddress:       aws.String("0a:00:00:00:00:01"),
						SubnetId:         aws.String("subnet-1"),
						PrivateIpAddress: aws.String("10.40.100.30"),
					}},
				}}},
			}}, nil
		},
		describeInstanceTypes: func(in *ec2.DescribeInstanceTypesInput) (*ec2.DescribeInstanceTypesOutput, error) {
			return &ec2.DescribeInstanceTypesOutput{InstanceTypes: []ec2types.InstanceTypeInfo{{
				InstanceType: ec2types.InstanceType("t3.large"),
				VCpuInfo:     &ec2types.VCpuInfo{DefaultVCpus: aws.Int32(2)},
				MemoryInfo:   &ec2types.MemoryInfo{SizeInMiB: aws.Int64(8192)},
			}}}, nil
		},
	}

	res, err := testAdapter(m).Describe(context.Background(), api.ResourceVM, "i-1")
	require.NoError(t, err)
	assert.Equal(t, "lab1-dc", res.Name)
	assert.Equal(t, api.StateRunning, res.State)
	assert.Equal(t, "lab1", res.LabID)
	assert.Equal(t, api.OSWindows, res.OSFamily, "platform fills in when the tag is absent")
	assert.Equal(t, "10.40.100.30", res.IP)
	assert.Equal(t, int32(2), res.CPU)
	assert.Equal(t, int64(8192), res.MemoryMiB)
	require.Len(t, res.NICs, 1)
	assert.Equal(t, "subnet-1", res.NICs[0].Network)
	assert.Equal(t, api.BackendAWS, res.Identity.Backend)
	assert.Equal(t, "use1", res.Identity.Instance)
}

func TestDescribeTerminatedReadsMissing(t *testing.T) {
	m := &mockEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{
				{Instances: []ec2types.Instance{{
					InstanceId: aws.String("i-1"),
					State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameTerminated},
				}}},
			}}, nil
		},
	}

	_, err := testAdapter(m).Describe(context.Background(), api.ResourceVM, "i-1")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ResourceMissing))
}

func TestListInstancesPaginates(t *testing.T) {
	m := &mockEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			if aws.ToString(in.NextToken) == "" {
				return &ec2.DescribeInstancesOutput{
					Reservations: []ec2types.Reservation{
						{Instances: []ec2types.Instance{{InstanceId: aws.String("i-1")}}},
					},
					NextToken: aws.String("page2"),
				}, nil
			}
			return &ec2.DescribeInstancesOutput{
				Reservations: []ec2types.Reservation{
					{Instances: []ec2types.Instance{{InstanceId: aws.String("i-2")}}},
				},
			}, nil
		},
	}

	it, err := testAdapter(m).List(context.Background(), api.ResourceVM)
	require.NoError(t, err)
	defer it.Close()

	got, err := platform.Collect(context.Background(), it)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "i-1", got[0].Identity.NativeID)
	assert.Equal(t, "i-2", got[1].Identity.NativeID)
}

func TestAttachNetwork(t *testing.T) {
	var created *ec2.CreateNetworkInterfaceInput
	var attached *ec2.AttachNetworkInterfaceInput
	m := &mockEC2{
		describeSubnets: func(in *ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error) {
			require.NotEmpty(t, in.Filters)
			assert.Equal(t, "tag:rangeforge:vlan", aws.ToString(in.Filters[0].Name))
			assert.Equal(t, []string{"107"}, in.Filters[0].Values)
			return &ec2.DescribeSubnetsOutput{Subnets: []ec2types.Subnet{
				{SubnetId: aws.String("subnet-107")},
			}}, nil
		},
		createNetworkInterface: func(in *ec2.CreateNetworkInterfaceInput) (*ec2.CreateNetworkInterfaceOutput, error) {
			created = in
			return &ec2.CreateNetworkInterfaceOutput{NetworkInterface: &ec2types.NetworkInterface{
				NetworkInterfaceId: aws.String("eni-1"),
			}}, nil
		},
		attachNetworkInterface: func(in *ec2.AttachNetworkInterfaceInput) (*ec2.AttachNetworkInterfaceOutput, error) {
			attached = in
			return &ec2.AttachNetworkInterfaceOutput{AttachmentId: aws.String("eni-attach-1")}, nil
		},
	}

	lease := api.Lease{ID: "l1", VLAN: 107, CIDR: "10.40.107.0/24", LabID: "lab1"}
	require.NoError(t, testAdapter(m).AttachNetwork(context.Background(), "i-1", lease))

	require.NotNil(t, created)
	assert.Equal(t, "subnet-107", aws.ToString(created.SubnetId))
	require.NotNil(t, attached)
	assert.Equal(t, "i-1", aws.ToString(attached.InstanceId))
	assert.Equal(t, "eni-1", aws.ToString(attached.NetworkInterfaceId))
	assert.Equal(t, int32(1), aws.ToInt32(attached.DeviceIndex))
}

func TestAttachNetworkNoSubnet(t *testing.T) {
	lease := api.Lease{ID: "l1", VLAN: 9, CIDR: "10.40.9.0/24", LabID: "lab1"}
	err := testAdapter(&mockEC2{}).AttachNetwork(context.Background(), "i-1", lease)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ResourceMissing))
}

func TestDeleteRefusesRunningWithoutForce(t *testing.T) {
	m := &mockEC2{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{
				{Instances: []ec2types.Instance{{
					InstanceId: aws.String("i-1"),
					State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				}}},
			}}, nil
		},
		terminateInstances: func(in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
			t.Fatal("running instance must not terminate without force")
			return nil, nil
		},
	}

	err := testAdapter(m).Delete(context.Background(), "i-1", false)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.TransitionBusy))
}

func TestDeleteForcesAndIsIdempotent(t *testing.T) {
	terminated := false
	m := &mockEC2{
		terminateInstances: func(in *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
			if terminated {
				return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "gone"}
			}
			terminated = true
			assert.Equal(t, []string{"i-1"}, in.InstanceIds)
			return &ec2.TerminateInstancesOutput{}, nil
		},
	}
	a := testAdapter(m)

	require.NoError(t, a.Delete(context.Background(), "i-1", true))
	require.NoError(t, a.Delete(context.Background(), "i-1", true), "repeat delete stays quiet")
}

func TestDiscoverAddresses(t *testing.T) {
	m := &mockEC2{
		describeNetworkInterfaces: func(in *ec2.DescribeNetworkInterfacesInput) (*ec2.DescribeNetworkInterfacesOutput, error) {
			return &ec2.DescribeNetworkInterfacesOutput{NetworkInterfaces: []ec2types.NetworkInterface{
				{MacAddress: aws.String("0a:00:00:00:00:01"), PrivateIpAddress: aws.String("10.40.100.5")},
				{MacAddress: aws.String("0a:00:00:00:00:02")},
			}}, nil
		},
	}

	addrs, err := testAdapter(m).DiscoverAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"0a:00:00:00:00:01": "10.40.100.5"}, addrs)
}

func TestExecCommandUnsupported(t *testing.T) {
	_, err := testAdapter(&mockEC2{}).ExecCommand(context.Background(), "i-1", platform.Credential{}, "id")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.ConfigInvalid))
}

func TestClassifyCodes(t *testing.T) {
	cases := []struct {
		code string
		kind faults.Kind
	}{
		{"UnauthorizedOperation", faults.AuthFailed},
		{"AuthFailure", faults.AuthFailed},
		{"InstanceLimitExceeded", faults.QuotaExceeded},
		{"InsufficientInstanceCapacity", faults.QuotaExceeded},
		{"IncorrectInstanceState", faults.TransitionBusy},
		{"IdempotentParameterMismatch", faults.NameCollision},
		{"RequestLimitExceeded", faults.BackendUnreachable},
		{"InvalidInstanceID.NotFound", faults.ResourceMissing},
		{"InvalidAMIID.NotFound", faults.ResourceMissing},
		{"InvalidInstanceID.Malformed", faults.ConfigInvalid},
		{"SomethingNovel", faults.Internal},
	}
	for _, tc := range cases {
		err := classify(&smithy.GenericAPIError{Code: tc.code}, "op")
		assert.True(t, faults.Is(err, tc.kind), "code %s", tc.code)
	}

	err := classify(errors.New("dial tcp: connection refused"), "op")
	assert.True(t, faults.Is(err, faults.BackendUnreachable), "transport errors read unreachable")

	err = classify(context.DeadlineExceeded, "op")
	assert.True(t, faults.Is(err, faults.Timeout))
}
