// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package openstack

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cobaltcore-dev/valet/internal/sync"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/aggregates"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/pagination"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Since 2.53 hypervisor ids are uuids and the service host is nested.
	hypervisorMicroversion = "2.53"
	// Since 2.61 flavor details include the extra specs.
	flavorMicroversion = "2.61"
)

type NovaAPI interface {
	// Authenticate and locate the compute endpoint.
	Init(ctx context.Context) error
	GetAllHypervisors(ctx context.Context) ([]Hypervisor, error)
	GetAllAggregates(ctx context.Context) ([]Aggregate, error)
	GetAllFlavors(ctx context.Context) ([]Flavor, error)
	// Servers of all tenants.
	GetAllServers(ctx context.Context) ([]Server, error)
}

type novaAPI struct {
	mon          sync.Monitor
	keystoneAPI  KeystoneAPI
	availability string
	// Authenticated OpenStack service client to fetch the data.
	sc *gophercloud.ServiceClient
}

func NewNovaAPI(mon sync.Monitor, k KeystoneAPI, availability string) NovaAPI {
	return &novaAPI{mon: mon, keystoneAPI: k, availability: availability}
}

func (api *novaAPI) Init(ctx context.Context) error {
	if err := api.keystoneAPI.Authenticate(ctx); err != nil {
		return err
	}
	serviceType := "compute"
	url, err := api.keystoneAPI.FindEndpoint(api.availability, serviceType)
	if err != nil {
		return fmt.Errorf("failed to find nova endpoint: %w", err)
	}
	slog.Info("openstack: using nova endpoint", "url", url)
	api.sc = &gophercloud.ServiceClient{
		ProviderClient: api.keystoneAPI.Client(),
		Endpoint:       url,
		Type:           serviceType,
		Microversion:   hypervisorMicroversion,
	}
	return nil
}

func (api *novaAPI) observe(label string) func() {
	if api.mon.RequestTimer == nil {
		return func() {}
	}
	timer := prometheus.NewTimer(api.mon.RequestTimer.WithLabelValues(label))
	return func() { timer.ObserveDuration() }
}

// Hypervisors are paged manually, gophercloud only returns the first page
// of this api.
func (api *novaAPI) GetAllHypervisors(ctx context.Context) ([]Hypervisor, error) {
	defer api.observe("nova_hypervisors")()
	initialURL := api.sc.Endpoint + "os-hypervisors/detail"
	var nextURL = &initialURL
	var hypervisors []Hypervisor
	for nextURL != nil {
		page, next, err := api.getHypervisorPage(ctx, *nextURL)
		if err != nil {
			return nil, err
		}
		hypervisors = append(hypervisors, page...)
		nextURL = next
	}
	slog.Info("openstack: fetched hypervisors", "count", len(hypervisors))
	return hypervisors, nil
}

func (api *novaAPI) getHypervisorPage(ctx context.Context, url string) ([]Hypervisor, *string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("X-Auth-Token", api.sc.Token())
	req.Header.Set("X-OpenStack-Nova-API-Version", hypervisorMicroversion)
	resp, err := api.sc.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var list struct {
		Hypervisors []Hypervisor `json:"hypervisors"`
		Links       []struct {
			Rel  string `json:"rel"`
			Href string `json:"href"`
		} `json:"hypervisors_links"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, nil, err
	}
	for _, link := range list.Links {
		if link.Rel == "next" {
			return list.Hypervisors, &link.Href, nil
		}
	}
	return list.Hypervisors, nil, nil
}

func (api *novaAPI) GetAllAggregates(ctx context.Context) ([]Aggregate, error) {
	pages, err := func() (pagination.Page, error) {
		defer api.observe("nova_aggregates")()
		return aggregates.List(api.sc).AllPages(ctx)
	}()
	if err != nil {
		return nil, err
	}
	var data struct {
		Aggregates []Aggregate `json:"aggregates"`
	}
	if err := pages.(aggregates.AggregatesPage).ExtractInto(&data); err != nil {
		return nil, err
	}
	slog.Info("openstack: fetched aggregates", "count", len(data.Aggregates))
	return data.Aggregates, nil
}

func (api *novaAPI) GetAllFlavors(ctx context.Context) ([]Flavor, error) {
	sc := *api.sc
	sc.Microversion = flavorMicroversion
	pages, err := func() (pagination.Page, error) {
		defer api.observe("nova_flavors")()
		return flavors.ListDetail(&sc, flavors.ListOpts{AccessType: flavors.AllAccess}).AllPages(ctx)
	}()
	if err != nil {
		return nil, err
	}
	var data struct {
		Flavors []Flavor `json:"flavors"`
	}
	if err := pages.(flavors.FlavorPage).ExtractInto(&data); err != nil {
		return nil, err
	}
	slog.Info("openstack: fetched flavors", "count", len(data.Flavors))
	return data.Flavors, nil
}

func (api *novaAPI) GetAllServers(ctx context.Context) ([]Server, error) {
	pages, err := func() (pagination.Page, error) {
		defer api.observe("nova_servers")()
		return servers.List(api.sc, servers.ListOpts{AllTenants: true}).AllPages(ctx)
	}()
	if err != nil {
		return nil, err
	}
	var data struct {
		Servers []Server `json:"servers"`
	}
	if err := pages.(servers.ServerPage).ExtractInto(&data); err != nil {
		return nil, err
	}
	slog.Info("openstack: fetched servers", "count", len(data.Servers))
	return data.Servers, nil
}
