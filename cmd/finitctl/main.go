// finitctl is the control CLI for finitd. It talks to a running supervisor
// over its Unix domain control socket, one request per invocation.
package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/finitd-project/finitd/pkg/control"
	"github.com/finitd-project/finitd/pkg/service"
)

const version = "0.1.0"

func main() {
	var sockPath string

	root := &cobra.Command{
		Use:     "finitctl",
		Short:   "control client for finitd",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&sockPath, "socket-path", "s", "", "control socket path")

	root.AddCommand(
		listCmd(&sockPath),
		startCmd(&sockPath),
		stopCmd(&sockPath),
		restartCmd(&sockPath),
		statusCmd(&sockPath),
		unblockCmd(&sockPath),
		signalCmd(&sockPath),
		runlevelCmd(&sockPath),
		reloadCmd(&sockPath),
		shutdownCmd(&sockPath),
		catlogCmd(&sockPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial(sockPath string) (net.Conn, error) {
	return net.Dial("unix", resolveSocketPath(sockPath))
}

func resolveSocketPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if os.Getuid() == 0 {
		return "/run/finitd/control.sock"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".finitctl.sock"
	}
	return home + "/.finitctl.sock"
}

func parseServiceRef(s string) service.ID {
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		return service.ID{Command: s[:i], Tag: s[i+1:]}
	}
	return service.ID{Command: s}
}

func listCmd(sock *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list every registered service",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*sock)
			if err != nil {
				return err
			}
			defer conn.Close()
			return runList(conn)
		},
	}
}

func runList(conn net.Conn) error {
	if err := control.WritePacket(conn, control.CmdListServices, nil); err != nil {
		return err
	}
	var infos []control.ServiceStatusInfo
	for {
		rply, payload, err := control.ReadPacket(conn)
		if err != nil {
			return err
		}
		if rply == control.RplyListDone {
			break
		}
		if rply != control.RplySvcInfo {
			return fmt.Errorf("unexpected reply: %d", rply)
		}
		info, err := control.DecodeServiceStatus(payload)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID.String() < infos[j].ID.String() })
	for _, info := range infos {
		fmt.Printf("%-8s %-28s %s\n", info.State, info.ID.String(), formatTail(info))
	}
	return nil
}

func formatTail(info control.ServiceStatusInfo) string {
	var parts []string
	if info.PID > 0 {
		parts = append(parts, "pid "+strconv.Itoa(int(info.PID)))
	}
	if info.Block != service.BlockNone {
		parts = append(parts, "blocked: "+info.Block.String())
	}
	if !info.Enabled {
		parts = append(parts, "disabled")
	}
	if info.RestartCnt > 0 {
		parts = append(parts, fmt.Sprintf("restarts %d", info.RestartCnt))
	}
	return strings.Join(parts, ", ")
}

func simpleRefCmd(use, short string, sock *string, cmdByte uint8, okMsg string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*sock)
			if err != nil {
				return err
			}
			defer conn.Close()

			id := parseServiceRef(args[0])
			if err := control.WritePacket(conn, cmdByte, control.EncodeServiceRef(id)); err != nil {
				return err
			}
			rply, payload, err := control.ReadPacket(conn)
			if err != nil {
				return err
			}
			switch rply {
			case control.RplyACK:
				fmt.Printf(okMsg+"\n", args[0])
				return nil
			case control.RplyNoService:
				return fmt.Errorf("no such service: %s", args[0])
			case control.RplyNAK:
				return fmt.Errorf("%s: %s", args[0], string(payload))
			default:
				return fmt.Errorf("unexpected reply: %d", rply)
			}
		},
	}
}

func startCmd(sock *string) *cobra.Command {
	return simpleRefCmd("start", "enable and start a service", sock, control.CmdStart, "%s: start requested")
}

func stopCmd(sock *string) *cobra.Command {
	return simpleRefCmd("stop", "disable and stop a service", sock, control.CmdStop, "%s: stop requested")
}

func restartCmd(sock *string) *cobra.Command {
	return simpleRefCmd("restart", "disable then re-enable a service", sock, control.CmdRestart, "%s: restart requested")
}

func unblockCmd(sock *string) *cobra.Command {
	return simpleRefCmd("unblock", "clear a service's block/restart-cap state", sock, control.CmdUnblock, "%s: unblocked")
}

func reloadCmd(sock *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "reload configuration from disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*sock)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := control.WritePacket(conn, control.CmdReload, nil); err != nil {
				return err
			}
			rply, payload, err := control.ReadPacket(conn)
			if err != nil {
				return err
			}
			if rply != control.RplyACK {
				return fmt.Errorf("reload failed: %s", string(payload))
			}
			fmt.Println("configuration reloaded")
			return nil
		},
	}
}

func statusCmd(sock *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <service>",
		Short: "show detailed status for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*sock)
			if err != nil {
				return err
			}
			defer conn.Close()

			id := parseServiceRef(args[0])
			if err := control.WritePacket(conn, control.CmdStatus, control.EncodeServiceRef(id)); err != nil {
				return err
			}
			rply, payload, err := control.ReadPacket(conn)
			if err != nil {
				return err
			}
			if rply == control.RplyNoService {
				return fmt.Errorf("no such service: %s", args[0])
			}
			if rply != control.RplyServiceStatus {
				return fmt.Errorf("unexpected reply: %d", rply)
			}
			info, err := control.DecodeServiceStatus(payload)
			if err != nil {
				return err
			}
			fmt.Printf("service:  %s\n", info.ID.String())
			fmt.Printf("kind:     %s\n", info.Kind)
			fmt.Printf("state:    %s\n", info.State)
			fmt.Printf("enabled:  %v\n", info.Enabled)
			if info.PID > 0 {
				fmt.Printf("pid:      %d\n", info.PID)
			}
			if info.Block != service.BlockNone {
				fmt.Printf("blocked:  %s\n", info.Block)
			}
			fmt.Printf("restarts: %d\n", info.RestartCnt)
			fmt.Printf("dirty:    %v\n", info.Dirty)
			return nil
		},
	}
}

func signalCmd(sock *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signal <signal> <service>",
		Short: "send a signal to a service's process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*sock)
			if err != nil {
				return err
			}
			defer conn.Close()

			sig, err := parseSignal(args[0])
			if err != nil {
				return err
			}
			id := parseServiceRef(args[1])
			ref := control.EncodeServiceRef(id)
			payload := make([]byte, len(ref)+4)
			copy(payload, ref)
			binary.LittleEndian.PutUint32(payload[len(ref):], uint32(sig))

			if err := control.WritePacket(conn, control.CmdSignal, payload); err != nil {
				return err
			}
			rply, respPayload, err := control.ReadPacket(conn)
			if err != nil {
				return err
			}
			switch rply {
			case control.RplyACK:
				fmt.Printf("sent %s to %s\n", args[0], args[1])
				return nil
			case control.RplyNoService:
				return fmt.Errorf("no such service: %s", args[1])
			case control.RplyNAK:
				return fmt.Errorf("%s has no running process", args[1])
			default:
				return fmt.Errorf("unexpected reply: %d (%s)", rply, string(respPayload))
			}
		},
	}
}

func runlevelCmd(sock *string) *cobra.Command {
	return &cobra.Command{
		Use:   "runlevel <level>",
		Short: "change the current runlevel (0-9 or S)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*sock)
			if err != nil {
				return err
			}
			defer conn.Close()

			level, err := parseLevelArg(args[0])
			if err != nil {
				return err
			}
			if err := control.WritePacket(conn, control.CmdSetRunlevel, []byte{byte(int8(level))}); err != nil {
				return err
			}
			rply, payload, err := control.ReadPacket(conn)
			if err != nil {
				return err
			}
			if rply != control.RplyACK {
				return fmt.Errorf("runlevel change failed: %s", string(payload))
			}
			fmt.Printf("runlevel change to %s requested\n", args[0])
			return nil
		},
	}
}

func shutdownCmd(sock *string) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown [halt|poweroff|reboot|soft-reboot]",
		Short: "initiate system shutdown",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*sock)
			if err != nil {
				return err
			}
			defer conn.Close()

			kind := "poweroff"
			if len(args) > 0 {
				kind = args[0]
			}
			var st service.ShutdownType
			switch kind {
			case "halt":
				st = service.ShutdownHalt
			case "poweroff":
				st = service.ShutdownPoweroff
			case "reboot":
				st = service.ShutdownReboot
			case "soft-reboot":
				st = service.ShutdownSoftReboot
			default:
				return fmt.Errorf("unknown shutdown type %q (use halt, poweroff, reboot, soft-reboot)", kind)
			}

			if err := control.WritePacket(conn, control.CmdShutdown, []byte{byte(st)}); err != nil {
				return err
			}
			rply, _, err := control.ReadPacket(conn)
			if err != nil {
				return err
			}
			if rply != control.RplyACK {
				return fmt.Errorf("shutdown request rejected: reply %d", rply)
			}
			fmt.Printf("shutdown (%s) initiated\n", kind)
			return nil
		},
	}
}

func catlogCmd(sock *string) *cobra.Command {
	return &cobra.Command{
		Use:   "catlog <service>",
		Short: "print a service's buffered output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial(*sock)
			if err != nil {
				return err
			}
			defer conn.Close()

			id := parseServiceRef(args[0])
			if err := control.WritePacket(conn, control.CmdCatLog, control.EncodeServiceRef(id)); err != nil {
				return err
			}
			for {
				rply, payload, err := control.ReadPacket(conn)
				if err != nil {
					return err
				}
				switch rply {
				case control.RplyNoService:
					return fmt.Errorf("%s is not buffering output (or does not exist)", args[0])
				case control.RplyLogLine:
					os.Stdout.Write(payload)
				case control.RplyLogDone:
					return nil
				default:
					return fmt.Errorf("unexpected reply: %d", rply)
				}
			}
		},
	}
}

func parseLevelArg(s string) (int, error) {
	if strings.EqualFold(s, "S") {
		return -1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 9 {
		return 0, fmt.Errorf("invalid runlevel %q", s)
	}
	return n, nil
}

func parseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimPrefix(strings.ToUpper(s), "SIG")
	switch s {
	case "HUP", "1":
		return syscall.SIGHUP, nil
	case "INT", "2":
		return syscall.SIGINT, nil
	case "QUIT", "3":
		return syscall.SIGQUIT, nil
	case "KILL", "9":
		return syscall.SIGKILL, nil
	case "TERM", "15":
		return syscall.SIGTERM, nil
	case "USR1", "10":
		return syscall.SIGUSR1, nil
	case "USR2", "12":
		return syscall.SIGUSR2, nil
	case "STOP", "19":
		return syscall.SIGSTOP, nil
	case "CONT", "18":
		return syscall.SIGCONT, nil
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, fmt.Errorf("unknown signal: %s", s)
		}
		return syscall.Signal(n), nil
	}
}
