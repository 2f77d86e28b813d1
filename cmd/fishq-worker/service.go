package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

const (
	serviceName     = "fishq-worker"
	systemdUnitPath = "/etc/systemd/system/fishq-worker.service"
)

// systemd unit template
const systemdUnitTemplate = `[Unit]
Description=fishqueue worker
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10
{{if .User}}User={{.User}}
{{end}}
NoNewPrivileges=true
ProtectSystem=strict
ProtectHome=read-only
PrivateTmp=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=fishq-worker

[Install]
WantedBy=multi-user.target
`

type unitConfig struct {
	ExecStart string
	User      string
}

var serviceUser string

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the fishq-worker systemd service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install fishq-worker as a systemd service",
		Long: `Creates a systemd unit file and enables the fishq-worker service.
The service restarts on failure and reads its config from the standard
locations. Requires root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "User to run the service as")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the fishq-worker systemd service",
		RunE:  runServiceUninstall,
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show fishq-worker service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")

	serviceCmd.AddCommand(installCmd, uninstallCmd, logsCmd)
	return serviceCmd
}

func renderUnit(cfg unitConfig) (string, error) {
	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing unit template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, cfg); err != nil {
		return "", fmt.Errorf("executing unit template: %w", err)
	}
	return b.String(), nil
}

func checkLinuxRoot(action string) error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("systemd service management is only supported on Linux")
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required. Try: sudo %s service %s", os.Args[0], action)
	}
	return nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := checkLinuxRoot("install"); err != nil {
		return err
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating binary: %w", err)
	}
	if execPath, err = filepath.EvalSymlinks(execPath); err != nil {
		return fmt.Errorf("locating binary: %w", err)
	}

	execStart := execPath
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			execStart = fmt.Sprintf("%s --config %s", execPath, p)
			break
		}
	}

	unit, err := renderUnit(unitConfig{ExecStart: execStart, User: serviceUser})
	if err != nil {
		return err
	}
	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", systemdUnitPath)

	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if err := runCmd("systemctl", "enable", "--now", serviceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}
	fmt.Printf("Service installed and started. View logs with: %s service logs -f\n", serviceName)
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := checkLinuxRoot("uninstall"); err != nil {
		return err
	}

	_ = runCmd("systemctl", "disable", "--now", serviceName)
	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	fmt.Println("Service uninstalled.")
	return nil
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	follow, _ := cmd.Flags().GetBool("follow")
	lines, _ := cmd.Flags().GetInt("lines")

	jArgs := []string{"-u", serviceName, "-n", fmt.Sprintf("%d", lines), "--no-pager"}
	if follow {
		jArgs = append(jArgs, "-f")
	}
	return runCmd("journalctl", jArgs...)
}

func runCmd(name string, args ...string) error {
	c := exec.Command(name, args...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
