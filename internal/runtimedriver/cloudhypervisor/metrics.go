package cloudhypervisor

import "github.com/prometheus/client_golang/prometheus"

var activeVMs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "hyperfleet_cloudhypervisor_active_vms",
		Help: "Number of currently running Cloud-Hypervisor microVMs.",
	},
)

func init() {
	prometheus.MustRegister(activeVMs)
}
