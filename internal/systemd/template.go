package systemd

// DaemonUnit returns the systemd unit for sentineld, a single always-on
// system service (no instance template needed — unlike the teacher's
// per-agent @.service unit, there is exactly one quarantine daemon per host).
func DaemonUnit() string {
	return `[Unit]
Description=Sentinel endpoint quarantine daemon
After=network.target clamav-daemon.service
Wants=clamav-daemon.service

[Service]
Type=simple
ExecStart=/usr/local/bin/sentineld run --config /etc/sentineld/config.yaml
Restart=on-failure
RestartSec=2
# Sandboxing directives are intentionally loose: the daemon must be able
# to chmod and rename arbitrary files under the configured watch dirs.
NoNewPrivileges=false
ProtectHome=false
ProtectSystem=false

[Install]
WantedBy=multi-user.target
`
}
