// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cobaltcore-dev/valet/internal/conf"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
)

type KeystoneAPI interface {
	// Authenticate against the OpenStack keystone.
	Authenticate(context.Context) error
	// Get the OpenStack provider client.
	Client() *gophercloud.ProviderClient
	// Find the endpoint for the given service type and availability.
	FindEndpoint(availability, serviceType string) (string, error)
}

type keystoneAPI struct {
	client *gophercloud.ProviderClient
	conf   conf.KeystoneConfig
}

func NewKeystoneAPI(c conf.KeystoneConfig) KeystoneAPI {
	return &keystoneAPI{conf: c}
}

func (api *keystoneAPI) Authenticate(ctx context.Context) error {
	if api.client != nil {
		// Already authenticated.
		return nil
	}
	slog.Info("openstack: authenticating", "url", api.conf.URL)
	authOptions := gophercloud.AuthOptions{
		IdentityEndpoint: api.conf.URL,
		Username:         api.conf.OSUsername,
		DomainName:       api.conf.OSUserDomainName,
		Password:         api.conf.OSPassword,
		AllowReauth:      true,
		Scope: &gophercloud.AuthScope{
			ProjectName: api.conf.OSProjectName,
			DomainName:  api.conf.OSProjectDomainName,
		},
	}
	provider, err := openstack.NewClient(authOptions.IdentityEndpoint)
	if err != nil {
		return fmt.Errorf("failed to create openstack client: %w", err)
	}
	if err := openstack.Authenticate(ctx, provider, authOptions); err != nil {
		return fmt.Errorf("failed to authenticate against keystone: %w", err)
	}
	api.client = provider
	slog.Info("openstack: authenticated")
	return nil
}

func (api *keystoneAPI) FindEndpoint(availability, serviceType string) (string, error) {
	return api.client.EndpointLocator(gophercloud.EndpointOpts{
		Type:         serviceType,
		Availability: gophercloud.Availability(availability),
	})
}

func (api *keystoneAPI) Client() *gophercloud.ProviderClient {
	return api.client
}
