// Command sbcli is an interactive SquawkBus client. It connects,
// authenticates, then reads commands from stdin while printing forwarded
// traffic as it arrives:
//
//	publish <topic> (<entitlements> <data>)+
//	send <client-id> <topic> (<entitlements> <data>)+
//	subscribe <topic> | unsubscribe <topic>
//	notify <pattern> | unnotify <pattern>
//	quit
//
// Entitlements are comma separated integers, or "-" for the empty set.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/squawkbus/squawkbus/internal/client"
	"github.com/squawkbus/squawkbus/internal/protocol"
)

const contentType = "text/plain"

func main() {
	host := flag.String("host", "localhost", "server host")
	port := flag.Int("port", 8558, "server port")
	useTLS := flag.Bool("tls", false, "connect with TLS")
	caFile := flag.String("cafile", "", "CA certificate file for TLS")
	mode := flag.String("authentication-mode", "none", "none or htpasswd")
	username := flag.String("username", "", "user name")
	password := flag.String("password", "", "password (htpasswd mode)")
	flag.Parse()

	c, err := client.Dial(context.Background(), client.Options{
		Host:     *host,
		Port:     *port,
		TLS:      *useTLS,
		CAFile:   *caFile,
		Mode:     *mode,
		Username: *username,
		Password: *password,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sbcli: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()
	fmt.Printf("connected as %s\n", c.ClientID())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range c.Messages() {
			printMessage(msg)
		}
		fmt.Println("connection closed by server")
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for prompt(); scanner.Scan(); prompt() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if err := run(c, line); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		select {
		case <-done:
			os.Exit(1)
		default:
		}
	}
}

func prompt() { fmt.Print("> ") }

func run(c *client.Client, line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "publish":
		if len(args) < 3 {
			return fmt.Errorf("usage: publish <topic> (<entitlements> <data>)+")
		}
		packets, err := parsePackets(args[1:])
		if err != nil {
			return err
		}
		return c.Publish(args[0], contentType, packets)
	case "send":
		if len(args) < 4 {
			return fmt.Errorf("usage: send <client-id> <topic> (<entitlements> <data>)+")
		}
		packets, err := parsePackets(args[2:])
		if err != nil {
			return err
		}
		return c.Send(args[0], args[1], contentType, packets)
	case "subscribe":
		if len(args) != 1 {
			return fmt.Errorf("usage: subscribe <topic>")
		}
		return c.Subscribe(args[0])
	case "unsubscribe":
		if len(args) != 1 {
			return fmt.Errorf("usage: unsubscribe <topic>")
		}
		return c.Unsubscribe(args[0])
	case "notify":
		if len(args) != 1 {
			return fmt.Errorf("usage: notify <pattern>")
		}
		return c.AddNotification(args[0])
	case "unnotify":
		if len(args) != 1 {
			return fmt.Errorf("usage: unnotify <pattern>")
		}
		return c.RemoveNotification(args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// parsePackets reads alternating <entitlements> <data> pairs.
func parsePackets(args []string) ([]protocol.DataPacket, error) {
	if len(args)%2 != 0 {
		return nil, fmt.Errorf("packets come in <entitlements> <data> pairs")
	}
	var packets []protocol.DataPacket
	for i := 0; i < len(args); i += 2 {
		ents, err := parseEntitlements(args[i])
		if err != nil {
			return nil, err
		}
		packets = append(packets, protocol.DataPacket{
			Entitlements: ents,
			Data:         []byte(args[i+1]),
		})
	}
	return packets, nil
}

func parseEntitlements(s string) (protocol.EntitlementSet, error) {
	if s == "-" {
		return nil, nil
	}
	var values []int32
	for _, field := range strings.Split(s, ",") {
		v, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("entitlement %q: %w", field, err)
		}
		values = append(values, int32(v))
	}
	return protocol.NewEntitlementSet(values...), nil
}

func printMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.ForwardedMulticastData:
		if len(m.Packets) == 0 {
			fmt.Printf("\n< stale topic %q (last publisher %s@%s gone)\n", m.Topic, m.User, m.Host)
			return
		}
		fmt.Printf("\n< multicast %q from %s@%s: %s\n", m.Topic, m.User, m.Host, formatPackets(m.Packets))
	case *protocol.ForwardedUnicastData:
		fmt.Printf("\n< unicast %q from %s@%s (%s): %s\n", m.Topic, m.User, m.Host, m.ClientID, formatPackets(m.Packets))
	case *protocol.ForwardedSubscriptionRequest:
		action := "subscribed to"
		if !m.IsAdd {
			action = "unsubscribed from"
		}
		fmt.Printf("\n< %s@%s (%s) %s %q\n", m.User, m.Host, m.ClientID, action, m.Topic)
	default:
		fmt.Printf("\n< unexpected %s\n", msg.Type())
	}
}

func formatPackets(packets []protocol.DataPacket) string {
	parts := make([]string, len(packets))
	for i, p := range packets {
		parts[i] = fmt.Sprintf("[%v] %q", p.Entitlements, p.Data)
	}
	return strings.Join(parts, ", ")
}
