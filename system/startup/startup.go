package startup

import (
	"fmt"
	"os"

	"github.com/thatsimonsguy/outlet-controller/internal/env"
)

// ServiceUnit renders the systemd unit for the controller from env.Cfg.
func ServiceUnit() string {
	return fmt.Sprintf(`[Unit]
Description=Outlet policy controller
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
User=%s
WorkingDirectory=%s
ExecStart=%s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, env.Cfg.ServiceUser, env.Cfg.ServiceWorkDir, env.Cfg.ServiceExec)
}

func InstallService() error {
	if err := os.WriteFile(env.Cfg.ServiceUnitPath, []byte(ServiceUnit()), 0644); err != nil {
		return fmt.Errorf("write unit %s: %w", env.Cfg.ServiceUnitPath, err)
	}
	return nil
}
