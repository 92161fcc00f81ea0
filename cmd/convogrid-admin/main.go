// ABOUTME: Admin CLI for convogrid channel and API key management
// ABOUTME: Talks to the gateway HTTP API with an X-Api-Key credential

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
  ___ ___  _ ____   _____   __ _ _ __(_) __| |
 / __/ _ \| '_ \ \ / / _ \ / _' | '__| |/ _' |
| (_| (_) | | | \ V / (_) | (_| | |  | | (_| |
 \___\___/|_| |_|\_/ \___/ \__, |_|  |_|\__,_|
                           |___/
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	client := &apiClient{cfg: cfg, http: &http.Client{Timeout: 15 * time.Second}}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "channels":
		err = cmdChannels(client, args)
	case "sessions":
		err = cmdSessions(client, args)
	case "keys":
		err = cmdKeys(client, args)
	case "status":
		err = cmdStatus(client)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: convogrid-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                  Check gateway reachability")
	fmt.Println("  channels                List your team's channels")
	fmt.Println("  channels list           List your team's channels")
	fmt.Println("  channels create         Create a channel")
	fmt.Println("  channels delete <id>    Soft-delete a channel by ID")
	fmt.Println("  sessions show <id>      Print a session transcript (staff only)")
	fmt.Println("  keys create             Issue an API key (staff only)")
	fmt.Println()
	yellow.Println("Configuration (~/.config/convogrid/admin.toml):")
	fmt.Println("  api_url                 Gateway base URL")
	fmt.Println("  api_key                 API key (ck_...)")
	fmt.Println()
	yellow.Println("Environment (overrides the config file):")
	fmt.Println("  CONVOGRID_API_URL       Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  CONVOGRID_API_KEY       API key")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export CONVOGRID_API_KEY=\"ck_...\"")
	fmt.Println("  convogrid-admin channels")
	fmt.Println("  convogrid-admin channels create --platform telegram --name 'Study bot' \\")
	fmt.Println("      --experiment <experiment-id> --extra bot_token=${TELEGRAM_TOKEN}")
	fmt.Println("  convogrid-admin keys create --name 'ci key'")
	fmt.Println()
}

// apiClient wraps authenticated requests against the gateway API.
type apiClient struct {
	cfg  *Config
	http *http.Client
}

func (c *apiClient) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimSuffix(c.cfg.APIURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d from %s %s", resp.StatusCode, method, path)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// cmdStatus checks that the gateway answers at all.
func cmdStatus(client *apiClient) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	resp, err := client.http.Get(strings.TrimSuffix(client.cfg.APIURL, "/") + "/healthz")
	if err != nil {
		yellow.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	resp.Body.Close()

	green.Printf("  Gateway:  ")
	fmt.Printf("connected to %s\n", client.cfg.APIURL)

	if client.cfg.APIKey == "" {
		yellow.Printf("  Key:      ")
		fmt.Println("(none configured - set CONVOGRID_API_KEY)")
	} else {
		var listResp struct {
			Channels []channelRow `json:"channels"`
		}
		if err := client.do(http.MethodGet, "/api/channels", nil, &listResp); err != nil {
			yellow.Printf("  Key:      ")
			color.Red("auth failed (%v)\n", err)
		} else {
			green.Printf("  Key:      ")
			fmt.Printf("valid (%d channels visible)\n", len(listResp.Channels))
		}
	}

	fmt.Println()
	return nil
}

type channelRow struct {
	ID        string         `json:"id"`
	Platform  string         `json:"platform"`
	Name      string         `json:"name"`
	ExtraData map[string]any `json:"extra_data"`
	CreatedAt string         `json:"created_at"`
}

// cmdChannels handles channels subcommands
func cmdChannels(client *apiClient, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return cmdChannelsList(client)
	case "create", "add":
		return cmdChannelsCreate(client, args)
	case "delete", "rm", "remove":
		return cmdChannelsDelete(client, args)
	default:
		return fmt.Errorf("unknown channels subcommand: %s (use list, create, delete)", subcmd)
	}
}

func cmdChannelsList(client *apiClient) error {
	var resp struct {
		Channels []channelRow `json:"channels"`
	}
	if err := client.do(http.MethodGet, "/api/channels", nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Channels")
	cyan.Println("  --------")

	if len(resp.Channels) == 0 {
		fmt.Println("  (no channels)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tPLATFORM\tNAME\tCREATED")
	fmt.Fprintln(w, "  --\t--------\t----\t-------")

	for _, ch := range resp.Channels {
		created := ch.CreatedAt
		if t, err := time.Parse(time.RFC3339, ch.CreatedAt); err == nil {
			created = t.Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", ch.ID, ch.Platform, truncate(ch.Name, 32), created)
	}
	w.Flush()
	fmt.Println()

	return nil
}

func cmdChannelsCreate(client *apiClient, args []string) error {
	var platform, name, experimentID string
	extra := make(map[string]any)

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--platform", "-p":
			if i+1 < len(args) {
				platform = args[i+1]
				i++
			}
		case "--name", "-n":
			if i+1 < len(args) {
				name = args[i+1]
				i++
			}
		case "--experiment", "-e":
			if i+1 < len(args) {
				experimentID = args[i+1]
				i++
			}
		case "--extra", "-x":
			if i+1 < len(args) {
				k, v, ok := strings.Cut(args[i+1], "=")
				if !ok {
					return fmt.Errorf("--extra expects key=value, got %q", args[i+1])
				}
				extra[k] = v
				i++
			}
		}
	}

	if platform == "" {
		return fmt.Errorf("usage: channels create --platform <name> [--name <label>] [--experiment <id>] [--extra key=value ...]")
	}

	body := map[string]any{
		"platform":      platform,
		"name":          name,
		"experiment_id": experimentID,
		"extra_data":    extra,
	}
	var created channelRow
	if err := client.do(http.MethodPost, "/api/channels", body, &created); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Created channel: %s\n", created.ID)
	fmt.Printf("  Platform:  %s\n", created.Platform)
	if created.Name != "" {
		fmt.Printf("  Name:      %s\n", created.Name)
	}
	if token, ok := created.ExtraData["widget_token"]; ok {
		fmt.Printf("  Widget:    %v\n", token)
	}

	return nil
}

func cmdChannelsDelete(client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: channels delete <channel-id>")
	}
	channelID := args[0]

	if err := client.do(http.MethodDelete, "/api/channels/"+channelID, nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Deleted channel: %s\n", channelID)

	return nil
}

// cmdSessions handles sessions subcommands
func cmdSessions(client *apiClient, args []string) error {
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "show":
		return cmdSessionsShow(client, args)
	default:
		return fmt.Errorf("usage: sessions show <session-id>")
	}
}

func cmdSessionsShow(client *apiClient, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: sessions show <session-id>")
	}
	sessionID := args[0]

	var resp struct {
		Messages []struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			CreatedAt string `json:"created_at"`
		} `json:"messages"`
		HasMore       bool   `json:"has_more"`
		SessionStatus string `json:"session_status"`
	}
	if err := client.do(http.MethodGet, "/api/sessions/"+sessionID+"/messages?limit=200", nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	fmt.Println()
	cyan.Printf("  Session %s", sessionID)
	fmt.Printf(" (%s)\n", resp.SessionStatus)
	fmt.Println()

	if len(resp.Messages) == 0 {
		fmt.Println("  (no messages)")
		fmt.Println()
		return nil
	}

	for _, m := range resp.Messages {
		when := m.CreatedAt
		if t, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
			when = t.Format("Jan 02 15:04:05")
		}
		if m.Role == "assistant" {
			green.Printf("  [%s] %s: ", when, m.Role)
		} else {
			cyan.Printf("  [%s] %s: ", when, m.Role)
		}
		fmt.Println(m.Content)
	}
	if resp.HasMore {
		fmt.Println()
		fmt.Println("  (more messages not shown)")
	}
	fmt.Println()

	return nil
}

// cmdKeys handles keys subcommands
func cmdKeys(client *apiClient, args []string) error {
	subcmd := ""
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "create":
		return cmdKeysCreate(client, args)
	default:
		return fmt.Errorf("usage: keys create --name <label> [--user <id>]")
	}
}

func cmdKeysCreate(client *apiClient, args []string) error {
	var name, userID string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name", "-n":
			if i+1 < len(args) {
				name = args[i+1]
				i++
			}
		case "--user", "-u":
			if i+1 < len(args) {
				userID = args[i+1]
				i++
			}
		}
	}

	if name == "" {
		return fmt.Errorf("usage: keys create --name <label> [--user <id>]")
	}

	var resp struct {
		KeyID string `json:"key_id"`
		Key   string `json:"key"`
		Name  string `json:"name"`
	}
	body := map[string]string{"name": name, "user_id": userID}
	if err := client.do(http.MethodPost, "/api/keys", body, &resp); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	fmt.Println()
	green.Println("  API key created")
	fmt.Println()
	cyan.Println("  Key ID:  " + resp.KeyID)
	cyan.Println("  Name:    " + resp.Name)
	fmt.Println()
	fmt.Println("  Key (shown once, keep it secret!):")
	fmt.Println()
	fmt.Println("  " + resp.Key)
	fmt.Println()

	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
