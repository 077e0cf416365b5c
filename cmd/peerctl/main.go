// Command peerctl is a ctlinnd-style admin client for innd's control
// channel: it sends one newline-terminated command over the Unix-domain
// datagram socket and prints the reply.
//
// Flag/usage style grounded on cmd/usermgr/main.go; the password prompt
// uses the same term.ReadPassword(syscall.Stdin) idiom that tool uses,
// gating the privileged commands (pause/throttle/go/reload) behind a
// local confirmation when INND_CONTROL_PASSWORD is set in the operator's
// environment.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"
)

var appVersion = "-unset-"

var (
	sockPath string
	timeout  time.Duration
)

var privileged = map[string]bool{
	"pause":    true,
	"throttle": true,
	"go":       true,
	"reload":   true,
}

func main() {
	flag.StringVar(&sockPath, "sock", "run/innd.ctl", "path to innd's control socket")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "reply timeout")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "peerctl %s\n", appVersion)
		fmt.Fprintf(os.Stderr, "usage: %s [-sock path] <command> [args...]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "commands: pause, throttle, go, flush, addhist <msgid>, cancel <msgid>, reload, trace on|off, profile [addr]\n")
		os.Exit(1)
	}

	cmd := strings.ToLower(args[0])
	if privileged[cmd] {
		if expected := os.Getenv("INND_CONTROL_PASSWORD"); expected != "" {
			if !confirmPassword(expected) {
				fmt.Fprintln(os.Stderr, "incorrect password")
				os.Exit(1)
			}
		}
	}

	reply, err := send(strings.Join(args, " "))
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(reply)
	if strings.HasPrefix(reply, "4") || strings.HasPrefix(reply, "5") {
		os.Exit(1)
	}
}

func confirmPassword(expected string) bool {
	fmt.Fprint(os.Stderr, "operator password: ")
	entered, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerctl: reading password: %v\n", err)
		return false
	}
	return string(entered) == expected
}

func send(line string) (string, error) {
	raddr, err := net.ResolveUnixAddr("unixgram", sockPath)
	if err != nil {
		return "", err
	}
	laddr, err := net.ResolveUnixAddr("unixgram", sockPath+".peerctl."+fmt.Sprint(os.Getpid()))
	if err != nil {
		return "", err
	}
	conn, err := net.DialUnix("unixgram", laddr, raddr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	defer os.Remove(laddr.Name)

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return "", err
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf[:n]), "\r\n"), nil
}
