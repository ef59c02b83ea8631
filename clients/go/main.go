// ToakLink CLI - command line client for the ToakLink gateway.
package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/toaklink/toaklink/clients/go/toaklink"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("TOAKLINK_URL")
	client := toaklink.NewClient(baseURL)
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health()
		exitOnError(err)
		printJSON(resp)

	case "keygen":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: toaklink keygen <agent_id>")
			os.Exit(1)
		}
		exitOnError(client.GenerateKeypair())
		client.AgentID = os.Args[2]
		exitOnError(client.SaveConfig())
		fmt.Printf("Keypair saved to %s\n", client.ConfigDir)
		fmt.Printf("Public key (register this with your tenant operator):\n  %s\n",
			base64.StdEncoding.EncodeToString(client.PublicKey))

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: toaklink send <to> <message> [subject]")
			os.Exit(1)
		}
		subject := ""
		if len(os.Args) > 4 {
			subject = os.Args[4]
		}
		resp, err := client.Send(os.Args[2], os.Args[3], subject)
		exitOnError(err)
		fmt.Printf("Sent %s to channel %s\n", resp.MessageID, resp.ChannelID)

	case "link":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: toaklink link <agent_id>")
			os.Exit(1)
		}
		resp, err := client.Link(os.Args[2])
		exitOnError(err)
		printJSON(resp)

	case "inbox":
		resp, err := client.Inbox()
		exitOnError(err)
		for _, ch := range resp.Channels {
			marker := " "
			if ch.UnreadCount > 0 {
				marker = "*"
			}
			fmt.Printf("%s %s  %v (%d unread)\n", marker, ch.ID, ch.Participants, ch.UnreadCount)
		}
		fmt.Printf("Total unread: %d\n", resp.TotalUnread)

	case "channel":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: toaklink channel <channel_id>")
			os.Exit(1)
		}
		resp, err := client.GetChannel(os.Args[2])
		exitOnError(err)
		for _, msg := range resp.Messages {
			ts := msg.Timestamp.Format("2006-01-02 15:04:05")
			fmt.Printf("[%s] %s: %s\n", ts, msg.From, msg.Body)
		}

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: toaklink read <channel_id>")
			os.Exit(1)
		}
		exitOnError(client.MarkRead(os.Args[2]))
		fmt.Println("Marked read")

	case "recent":
		limit := 0
		if len(os.Args) > 2 {
			limit, _ = strconv.Atoi(os.Args[2])
		}
		resp, err := client.Recent(limit)
		exitOnError(err)
		for _, msg := range resp.Messages {
			ts := msg.Timestamp.Format("2006-01-02 15:04:05")
			fmt.Printf("[%s] %s -> %s: %s\n", ts, msg.From, msg.To, msg.Body)
		}

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`ToakLink CLI

Usage: toaklink <command> [args]

Commands:
  health                        Check gateway health
  keygen <agent_id>             Generate and save a keypair
  send <to> <message> [subject] Send a message to an agent
  link <agent_id>               Resolve the channel shared with an agent
  inbox                         List conversations
  channel <channel_id>          Show a conversation
  read <channel_id>             Mark a conversation read
  recent [limit]                Show recent messages

Environment:
  TOAKLINK_URL      Gateway base URL (default http://localhost:8080)
  TOAKLINK_API_KEY  Tenant API key
  TOAKLINK_CONFIG   Credential directory (default ~/.toaklink)`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
