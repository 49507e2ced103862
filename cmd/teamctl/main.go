package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	apiclient "github.com/splax/teamforge/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL  string `json:"api_base_url"`
	AccessToken string `json:"access_token"`
}

var buildVersion = "dev"

const requestTimeout = 15 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = commandLogin(args)
	case "team":
		err = commandTeam(args)
	case "request":
		err = commandRequest(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		if code := apiclient.ErrorCode(err); code != "" {
			fmt.Fprintf(os.Stderr, "error [%s]: %v\n", code, err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func commandLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	token := fs.String("token", "", "Access token (supply to avoid prompt)")
	apiBase := fs.String("api", "", "API base URL (default http://localhost:4000)")
	fs.Parse(args)

	secret := strings.TrimSpace(*token)
	if secret == "" {
		fmt.Print("Access token: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Print("\n")
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		secret = strings.TrimSpace(string(bytes))
	}
	if secret == "" {
		return errors.New("an access token is required")
	}

	cfg, _ := loadConfig()
	if strings.TrimSpace(*apiBase) != "" {
		cfg.APIBaseURL = *apiBase
	}
	cfg.AccessToken = secret
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Println("login saved")
	return nil
}

// session loads the saved credentials and builds a client.
func session() (*apiclient.Client, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, "", errors.New("please login first using 'teamctl login'")
	}
	client, err := apiclient.New(cfg.APIBaseURL)
	if err != nil {
		return nil, "", err
	}
	return client, token, nil
}

func requireFlag(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--%s is required", name)
	}
	return nil
}

func commandTeam(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: teamctl team [create|show|join|leave|remove|watch]")
	}
	sub := args[0]
	switch sub {
	case "create":
		return teamCreate(args[1:])
	case "show":
		return teamShow(args[1:])
	case "join":
		return teamJoin(args[1:])
	case "leave":
		return teamLeave(args[1:])
	case "remove":
		return teamRemove(args[1:])
	case "watch":
		return teamWatch(args[1:])
	default:
		return fmt.Errorf("unknown team command: %s", sub)
	}
}

func teamCreate(args []string) error {
	fs := flag.NewFlagSet("team create", flag.ExitOnError)
	name := fs.String("name", "", "Team name")
	fs.Parse(args)
	if err := requireFlag("name", *name); err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	team, err := client.CreateTeam(ctx, token, *name)
	if err != nil {
		return err
	}
	fmt.Printf("team created: %s (%s)\n", team.Slug, team.Name)
	return nil
}

func teamShow(args []string) error {
	fs := flag.NewFlagSet("team show", flag.ExitOnError)
	slug := fs.String("team", "", "Team slug")
	fs.Parse(args)
	if err := requireFlag("team", *slug); err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	detail, err := client.GetTeam(ctx, token, *slug)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\t%d/%d members\n", detail.Slug, detail.Name, len(detail.Members), detail.Capacity)
	for _, m := range detail.Members {
		role := "member"
		if m.Leader {
			role = "leader"
		}
		fmt.Printf("  %s\t%s\t%s\n", m.ID, m.DisplayName, role)
	}
	return nil
}

func teamJoin(args []string) error {
	fs := flag.NewFlagSet("team join", flag.ExitOnError)
	slug := fs.String("team", "", "Team slug")
	fs.Parse(args)
	if err := requireFlag("team", *slug); err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	jr, err := client.Apply(ctx, token, *slug)
	if err != nil {
		return err
	}
	fmt.Printf("join request submitted: %s status=%s\n", jr.ID, jr.Status)
	return nil
}

func teamLeave(args []string) error {
	fs := flag.NewFlagSet("team leave", flag.ExitOnError)
	slug := fs.String("team", "", "Team slug")
	fs.Parse(args)
	if err := requireFlag("team", *slug); err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := client.Leave(ctx, token, *slug); err != nil {
		return err
	}
	fmt.Println("left team")
	return nil
}

func teamRemove(args []string) error {
	fs := flag.NewFlagSet("team remove", flag.ExitOnError)
	slug := fs.String("team", "", "Team slug")
	member := fs.String("member", "", "Member user identifier")
	fs.Parse(args)
	if err := requireFlag("team", *slug); err != nil {
		return err
	}
	if err := requireFlag("member", *member); err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := client.RemoveMember(ctx, token, *slug, *member); err != nil {
		return err
	}
	fmt.Println("member removed")
	return nil
}

func teamWatch(args []string) error {
	fs := flag.NewFlagSet("team watch", flag.ExitOnError)
	slug := fs.String("team", "", "Team slug")
	fs.Parse(args)
	if err := requireFlag("team", *slug); err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = client.Watch(ctx, token, *slug, func(evt apiclient.Event) error {
		fmt.Printf("%s\t%s\tuser=%s actor=%s", evt.OccurredAt.Format(time.RFC3339), evt.Type, evt.UserID, evt.ActorID)
		if evt.Cascaded > 0 {
			fmt.Printf(" cascaded=%d", evt.Cascaded)
		}
		fmt.Println()
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func commandRequest(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: teamctl request [list|approve|reject]")
	}
	sub := args[0]
	switch sub {
	case "list":
		return requestList(args[1:])
	case "approve", "reject":
		return requestRespond(sub, args[1:])
	default:
		return fmt.Errorf("unknown request command: %s", sub)
	}
}

func requestList(args []string) error {
	fs := flag.NewFlagSet("request list", flag.ExitOnError)
	slug := fs.String("team", "", "Team slug")
	status := fs.String("status", "PENDING", "Request status (PENDING|ACCEPTED|REJECTED)")
	fs.Parse(args)
	if err := requireFlag("team", *slug); err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	requests, err := client.ListRequests(ctx, token, *slug, *status)
	if err != nil {
		return err
	}
	for _, jr := range requests {
		fmt.Printf("%s\t%s\t%s\t%s\n", jr.ID, jr.UserID, jr.Status, jr.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func requestRespond(action string, args []string) error {
	fs := flag.NewFlagSet("request "+action, flag.ExitOnError)
	slug := fs.String("team", "", "Team slug")
	requestID := fs.String("request", "", "Join request identifier")
	fs.Parse(args)
	if err := requireFlag("team", *slug); err != nil {
		return err
	}
	if err := requireFlag("request", *requestID); err != nil {
		return err
	}

	client, token, err := session()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if action == "reject" {
		jr, err := client.Reject(ctx, token, *slug, *requestID)
		if err != nil {
			return err
		}
		fmt.Printf("request %s rejected\n", jr.ID)
		return nil
	}
	approval, err := client.Approve(ctx, token, *slug, *requestID)
	if err != nil {
		return err
	}
	fmt.Printf("request %s accepted (%d other requests rejected)\n", approval.Request.ID, approval.CascadedRejections)
	return nil
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: "http://localhost:4000"}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "http://localhost:4000"
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TEAMCTL_CONFIG")); override != "" {
		return override, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "teamctl", "config.json"), nil
}

func printUsage() {
	fmt.Printf("teamctl CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	teamctl login [--token <jwt>] [--api http://localhost:4000]
	teamctl team create --name <name>
	teamctl team show --team <slug>
	teamctl team join --team <slug>
	teamctl team leave --team <slug>
	teamctl team remove --team <slug> --member <user-id>
	teamctl team watch --team <slug>
	teamctl request list --team <slug> [--status PENDING|ACCEPTED|REJECTED]
	teamctl request approve --team <slug> --request <request-id>
	teamctl request reject --team <slug> --request <request-id>
	teamctl version
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
