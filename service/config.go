package service

import "github.com/kardianos/service"

const (
	ServiceName        = "commission-vm"
	ServiceDisplayName = "Commission Report Worker"
	ServiceDescription = "Downloads monthly commission reports from insurance portals and relays OTP codes from operators"
)

// NewServiceConfig describes the installed service. The worker needs the network before it
// can reach the portals, Redis or the store.
func NewServiceConfig(exePath string, args []string) *service.Config {
	return &service.Config{
		Name:         ServiceName,
		DisplayName:  ServiceDisplayName,
		Description:  ServiceDescription,
		Executable:   exePath,
		Arguments:    args,
		Dependencies: []string{"After=network-online.target", "Wants=network-online.target"},
		Option: service.KeyValue{
			// windows
			"StartType":              "automatic",
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "10s",
			// systemd
			"Restart":           "on-failure",
			"SuccessExitStatus": "1 2 8 SIGKILL",
		},
	}
}
