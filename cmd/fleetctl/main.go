// fleetctl is the operator CLI for a running fleetd daemon: it talks to
// fleetd's HTTP API to create and inspect instances, manage saved
// sessions, and manage profiles. Subcommand dispatch is a plain
// flag.Args()-based switch rather than a CLI framework.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "fleetd API base address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	c := &client{base: *addr, http: &http.Client{Timeout: 30 * time.Second}}
	cmd, rest := args[0], args[1:]

	var err error
	switch cmd {
	case "create":
		err = c.create(rest)
	case "list":
		err = c.list()
	case "get":
		err = c.get(rest)
	case "terminate":
		err = c.terminate(rest)
	case "execute":
		err = c.execute(rest)
	case "save-session":
		err = c.saveSession(rest)
	case "restore-session":
		err = c.restoreSession(rest)
	case "list-sessions":
		err = c.listSessions()
	case "delete-session":
		err = c.deleteSession(rest)
	case "create-profile":
		err = c.createProfile(rest)
	case "list-profiles":
		err = c.listProfiles()
	case "delete-profile":
		err = c.deleteProfile(rest)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: fleetctl [-addr URL] <command> [args]

commands:
  create [-profile NAME] [-headless] [-anti-detect] [-pool] [-security LEVEL]
  list
  get <instance-id>
  terminate <instance-id> [-return-to-pool]
  execute <instance-id> <script>
  save-session <instance-id> [-name NAME]
  restore-session <session-id> [-profile NAME] [-headless]
  list-sessions
  delete-session <session-id>
  create-profile <name> [-description DESC]
  list-profiles
  delete-profile <name>`)
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (c *client) create(args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	profileName := fs.String("profile", "", "profile name")
	headless := fs.Bool("headless", true, "run headless")
	antiDetect := fs.Bool("anti-detect", false, "enable anti-detect fingerprinting")
	usePool := fs.Bool("pool", false, "draw from the worker pool instead of a standalone instance")
	security := fs.String("security", "", "security level override")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := map[string]any{
		"profile":        *profileName,
		"headless":       *headless,
		"anti_detect":    *antiDetect,
		"use_pool":       *usePool,
		"security_level": *security,
	}
	var out map[string]any
	if err := c.do(http.MethodPost, "/api/v1/instances", req, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) list() error {
	var out []map[string]any
	if err := c.do(http.MethodGet, "/api/v1/instances", nil, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) get(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("get requires an instance id")
	}
	var out map[string]any
	if err := c.do(http.MethodGet, "/api/v1/instances/"+args[0], nil, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) terminate(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("terminate requires an instance id")
	}
	fs := flag.NewFlagSet("terminate", flag.ExitOnError)
	returnToPool := fs.Bool("return-to-pool", false, "release back to the worker pool instead of killing it")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	path := "/api/v1/instances/" + args[0]
	if *returnToPool {
		path += "?return_to_pool=true"
	}
	var out map[string]any
	if err := c.do(http.MethodDelete, path, nil, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) execute(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("execute requires an instance id and a script")
	}
	req := map[string]any{"script": args[1]}
	var out map[string]any
	if err := c.do(http.MethodPost, "/api/v1/instances/"+args[0]+"/execute", req, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) saveSession(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("save-session requires an instance id")
	}
	fs := flag.NewFlagSet("save-session", flag.ExitOnError)
	name := fs.String("name", "", "session name")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	req := map[string]any{"instance_id": args[0], "name": *name}
	var out map[string]any
	if err := c.do(http.MethodPost, "/api/v1/sessions", req, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) restoreSession(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("restore-session requires a session id")
	}
	fs := flag.NewFlagSet("restore-session", flag.ExitOnError)
	profileOverride := fs.String("profile", "", "profile override")
	headless := fs.Bool("headless", false, "run headless")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	req := map[string]any{"session_id": args[0], "headless": *headless, "kill_orphaned": false}
	if *profileOverride != "" {
		req["profile_override"] = *profileOverride
	}
	var out map[string]any
	if err := c.do(http.MethodPost, "/api/v1/sessions/restore", req, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) listSessions() error {
	var out []map[string]any
	if err := c.do(http.MethodGet, "/api/v1/sessions", nil, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) deleteSession(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("delete-session requires a session id")
	}
	var out map[string]any
	if err := c.do(http.MethodDelete, "/api/v1/sessions/"+args[0], nil, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) createProfile(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("create-profile requires a name")
	}
	fs := flag.NewFlagSet("create-profile", flag.ExitOnError)
	description := fs.String("description", "", "profile description")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	req := map[string]any{"name": args[0], "description": *description}
	var out map[string]any
	if err := c.do(http.MethodPost, "/api/v1/profiles", req, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) listProfiles() error {
	var out []map[string]any
	if err := c.do(http.MethodGet, "/api/v1/profiles", nil, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}

func (c *client) deleteProfile(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("delete-profile requires a name")
	}
	var out map[string]any
	if err := c.do(http.MethodDelete, "/api/v1/profiles/"+args[0], nil, &out); err != nil {
		return err
	}
	printJSON(out)
	return nil
}
