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

package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v5"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v4"
)

// The ARM SDK answers long-running operations with pollers. These
// wrappers hide the begin/poll dance behind flat calls so the adapter
// logic stays mockable; they carry no logic of their own.

type vmAPI interface {
	Get(ctx context.Context, name string) (armcompute.VirtualMachine, error)
	CreateOrUpdate(ctx context.Context, name string, vm armcompute.VirtualMachine) (armcompute.VirtualMachine, error)
	Delete(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	PowerOff(ctx context.Context, name string, skipShutdown bool) error
	Deallocate(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	InstanceView(ctx context.Context, name string) (armcompute.VirtualMachineInstanceView, error)
	List(ctx context.Context) ([]*armcompute.VirtualMachine, error)
	ListSizes(ctx context.Context) ([]*armcompute.VirtualMachineSize, error)
	RunCommand(ctx context.Context, name string, input armcompute.RunCommandInput) (armcompute.RunCommandResult, error)
}

type imageAPI interface {
	Get(ctx context.Context, name string) (armcompute.Image, error)
	List(ctx context.Context) ([]*armcompute.Image, error)
}

type networkAPI interface {
	GetInterface(ctx context.Context, name string) (armnetwork.Interface, error)
	CreateInterface(ctx context.Context, name string, nic armnetwork.Interface) (armnetwork.Interface, error)
	DeleteInterface(ctx context.Context, name string) error
	ListInterfaces(ctx context.Context) ([]*armnetwork.Interface, error)
	GetSubnet(ctx context.Context, vnet, name string) (armnetwork.Subnet, error)
	ListSubnets(ctx context.Context, vnet string) ([]*armnetwork.Subnet, error)
}

type vmClient struct {
	inner    *armcompute.VirtualMachinesClient
	sizes    *armcompute.VirtualMachineSizesClient
	group    string
	location string
}

func newVMClient(subscriptionID, group, location string, cred azcore.TokenCredential) (*vmClient, error) {
	inner, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}
	sizes, err := armcompute.NewVirtualMachineSizesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}
	return &vmClient{inner: inner, sizes: sizes, group: group, location: location}, nil
}

func (c *vmClient) Get(ctx context.Context, name string) (armcompute.VirtualMachine, error) {
	resp, err := c.inner.Get(ctx, c.group, name, nil)
	return resp.VirtualMachine, err
}

func (c *vmClient) CreateOrUpdate(ctx context.Context, name string, vm armcompute.VirtualMachine) (armcompute.VirtualMachine, error) {
	poller, err := c.inner.BeginCreateOrUpdate(ctx, c.group, name, vm, nil)
	if err != nil {
		return armcompute.VirtualMachine{}, err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	return resp.VirtualMachine, err
}

func (c *vmClient) Delete(ctx context.Context, name string) error {
	poller, err := c.inner.BeginDelete(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *vmClient) Start(ctx context.Context, name string) error {
	poller, err := c.inner.BeginStart(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *vmClient) PowerOff(ctx context.Context, name string, skipShutdown bool) error {
	opts := &armcompute.VirtualMachinesClientBeginPowerOffOptions{SkipShutdown: &skipShutdown}
	poller, err := c.inner.BeginPowerOff(ctx, c.group, name, opts)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *vmClient) Deallocate(ctx context.Context, name string) error {
	poller, err := c.inner.BeginDeallocate(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *vmClient) Restart(ctx context.Context, name string) error {
	poller, err := c.inner.BeginRestart(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *vmClient) InstanceView(ctx context.Context, name string) (armcompute.VirtualMachineInstanceView, error) {
	resp, err := c.inner.InstanceView(ctx, c.group, name, nil)
	return resp.VirtualMachineInstanceView, err
}

func (c *vmClient) List(ctx context.Context) ([]*armcompute.VirtualMachine, error) {
	var out []*armcompute.VirtualMachine
	pager := c.inner.NewListPager(c.group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (c *vmClient) ListSizes(ctx context.Context) ([]*armcompute.VirtualMachineSize, error) {
	var out []*armcompute.VirtualMachineSize
	pager := c.sizes.NewListPager(c.location, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (c *vmClient) RunCommand(ctx context.Context, name string, input armcompute.RunCommandInput) (armcompute.RunCommandResult, error) {
	poller, err := c.inner.BeginRunCommand(ctx, c.group, name, input, nil)
	if err != nil {
		return armcompute.RunCommandResult{}, err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	return resp.RunCommandResult, err
}

type imageClient struct {
	inner *armcompute.ImagesClient
	group string
}

func newImageClient(subscriptionID, group string, cred azcore.TokenCredential) (*imageClient, error) {
	inner, err := armcompute.NewImagesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}
	return &imageClient{inner: inner, group: group}, nil
}

func (c *imageClient) Get(ctx context.Context, name string) (armcompute.Image, error) {
	resp, err := c.inner.Get(ctx, c.group, name, nil)
	return resp.Image, err
}

func (c *imageClient) List(ctx context.Context) ([]*armcompute.Image, error) {
	var out []*armcompute.Image
	pager := c.inner.NewListByResourceGroupPager(c.group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

type networkClient struct {
	nics    *armnetwork.InterfacesClient
	subnets *armnetwork.SubnetsClient
	group   string
}

func newNetworkClient(subscriptionID, group string, cred azcore.TokenCredential) (*networkClient, error) {
	nics, err := armnetwork.NewInterfacesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}
	subnets, err := armnetwork.NewSubnetsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}
	return &networkClient{nics: nics, subnets: subnets, group: group}, nil
}

func (c *networkClient) GetInterface(ctx context.Context, name string) (armnetwork.Interface, error) {
	resp, err := c.nics.Get(ctx, c.group, name, nil)
	return resp.Interface, err
}

func (c *networkClient) CreateInterface(ctx context.Context, name string, nic armnetwork.Interface) (armnetwork.Interface, error) {
	poller, err := c.nics.BeginCreateOrUpdate(ctx, c.group, name, nic, nil)
	if err != nil {
		return armnetwork.Interface{}, err
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	return resp.Interface, err
}

func (c *networkClient) DeleteInterface(ctx context.Context, name string) error {
	poller, err := c.nics.BeginDelete(ctx, c.group, name, nil)
	if err != nil {
		return err
	}
	_, err = poller.PollUntilDone(ctx, nil)
	return err
}

func (c *networkClient) ListInterfaces(ctx context.Context) ([]*armnetwork.Interface, error) {
	var out []*armnetwork.Interface
	pager := c.nics.NewListPager(c.group, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

func (c *networkClient) GetSubnet(ctx context.Context, vnet, name string) (armnetwork.Subnet, error) {
	resp, err := c.subnets.Get(ctx, c.group, vnet, name, nil)
	return resp.Subnet, err
}

func (c *networkClient) ListSubnets(ctx context.Context, vnet string) ([]*armnetwork.Subnet, error) {
	var out []*armnetwork.Subnet
	pager := c.subnets.NewListPager(c.group, vnet, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}
