// Copyright SAP SE
// SPDX-License-Identifier: Apache-2.0

package monitoring

import (
	"log/slog"

	"github.com/cobaltcore-dev/valet/internal/resource"
	"github.com/prometheus/client_golang/prometheus"
)

// Exports the capacity of the resource model on every scrape.
type ModelCollector struct {
	model *resource.SharedModel

	vcpus     *prometheus.Desc
	mem       *prometheus.Desc
	localDisk *prometheus.Desc
	vms       *prometheus.Desc
	uplinks   *prometheus.Desc
	storage   *prometheus.Desc
}

func NewModelCollector(model *resource.SharedModel) *ModelCollector {
	hostLabels := []string{"host", "kind"}
	return &ModelCollector{
		model: model,
		vcpus: prometheus.NewDesc(Namespace+"_host_vcpus",
			"Total and available vcpus of a host after overcommit", hostLabels, nil),
		mem: prometheus.NewDesc(Namespace+"_host_memory_mb",
			"Total and available memory of a host after overcommit", hostLabels, nil),
		localDisk: prometheus.NewDesc(Namespace+"_host_local_disk_gb",
			"Total and available local disk of a host after overcommit", hostLabels, nil),
		vms: prometheus.NewDesc(Namespace+"_host_vms",
			"Number of vms registered on a host", []string{"host"}, nil),
		uplinks: prometheus.NewDesc(Namespace+"_switch_uplink_avail_bandwidth_mbps",
			"Bandwidth left on a switch up-link", []string{"switch", "link"}, nil),
		storage: prometheus.NewDesc(Namespace+"_storage_avail_disk_gb",
			"Disk left in a volume pool", []string{"storage"}, nil),
	}
}

func (c *ModelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.vcpus
	ch <- c.mem
	ch <- c.localDisk
	ch <- c.vms
	ch <- c.uplinks
	ch <- c.storage
}

func (c *ModelCollector) Collect(ch chan<- prometheus.Metric) {
	err := c.model.Do(func(r *resource.Resource) error {
		for name, h := range r.Hosts {
			c.pair(ch, c.vcpus, name, h.VCPUs, h.AvailVCPUs)
			c.pair(ch, c.mem, name, h.MemCap, h.AvailMemCap)
			c.pair(ch, c.localDisk, name, h.LocalDiskCap, h.AvailLocalDiskCap)
			ch <- prometheus.MustNewConstMetric(c.vms, prometheus.GaugeValue, float64(len(h.VMList)), name)
		}
		for name, s := range r.Switches {
			for linkName, l := range s.UpLinks {
				ch <- prometheus.MustNewConstMetric(c.uplinks, prometheus.GaugeValue, l.AvailBandwidth, name, linkName)
			}
		}
		for name, st := range r.StorageHosts {
			ch <- prometheus.MustNewConstMetric(c.storage, prometheus.GaugeValue, st.AvailDiskCap, name)
		}
		return nil
	})
	if err != nil {
		slog.Error("monitoring: failed to collect model metrics", "error", err)
	}
}

func (c *ModelCollector) pair(ch chan<- prometheus.Metric, desc *prometheus.Desc, host string, total, avail float64) {
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, total, host, "total")
	ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, avail, host, "avail")
}
