// Package main is the interactive shell client of the broker.
package main

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/atinyakov/GophBroker/internal/client"
	"github.com/atinyakov/GophBroker/internal/models"
	api "github.com/atinyakov/GophBroker/internal/server/handler/http"
)

var (
	version   string
	buildDate string
)

const helpText = `Available commands:
  register                 create a user account
  login                    log in as a user
  admin-login              log in as an administrator
  logout                   forget the stored session
  whoami                   show the current session
  secrets                  list the secret catalog
  request                  request access to a secret
  requests                 list your access requests
  allowed                  list your active grants
  get <path>               read a secret you have access to
  put <path>               store a secret (admin)
  approve <id> [message]   approve a request (admin)
  reject <id> [message]    reject a request (admin)
  pending                  list pending requests once (admin)
  watch [status]           follow request changes until Ctrl-C (admin)
  help, exit`

// shell holds the state of one interactive session.
type shell struct {
	api         *client.Client
	session     *client.Session
	sessionPath string
	prompt      *client.Prompter
	out         io.Writer
}

// repl runs the interactive shell loop until exit or end of input.
func (s *shell) repl() {
	for {
		line, err := s.prompt.Ask("gophbroker> ")
		if err != nil {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" || args[0] == "quit" {
			fmt.Fprintln(s.out, "Bye")
			return
		}
		if err := s.dispatch(args); err != nil {
			fmt.Fprintln(s.out, "error:", err)
		}
	}
}

func (s *shell) dispatch(args []string) error {
	ctx := context.Background()

	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, helpText)
	case "register":
		return s.register(ctx)
	case "login":
		return s.login(ctx, models.RoleUser)
	case "admin-login":
		return s.login(ctx, models.RoleAdmin)
	case "logout":
		s.api.SetToken("")
		s.session = &client.Session{BaseURL: s.session.BaseURL}
		return client.ClearSession(s.sessionPath)
	case "whoami":
		if !s.session.Valid(time.Now()) {
			fmt.Fprintln(s.out, "Not logged in")
			return nil
		}
		fmt.Fprintf(s.out, "%s (%s), token valid until %s\n", s.session.Username, s.session.Role, s.session.ExpiresAt.Local().Format(time.RFC1123))
	case "secrets":
		entries, err := s.api.ListSecrets(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(s.out, "%s  %s  keys=%s\n", e.ID, e.Path, strings.Join(e.Keys, ","))
		}
	case "request":
		return s.request(ctx)
	case "requests":
		reqs, err := s.api.MyRequests(ctx)
		if err != nil {
			return err
		}
		s.printRequests(reqs)
	case "allowed":
		grants, err := s.api.AllowedSecrets(ctx)
		if err != nil {
			return err
		}
		for _, g := range grants {
			fmt.Fprintf(s.out, "%s  secret=%s  until %s\n", g.ID, g.SecretID, g.ExpirationDate.Local().Format(time.RFC1123))
		}
	case "get":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Usage: get <path>")
			return nil
		}
		payload, err := s.api.GetSecret(ctx, args[1])
		if err != nil {
			return err
		}
		b, _ := json.MarshalIndent(payload.Data, "", "  ")
		fmt.Fprintln(s.out, string(b))
		fmt.Fprintf(s.out, "access %s expires in %s\n", payload.GrantID, time.Duration(payload.RemainingSeconds)*time.Second)
	case "put":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Usage: put <path>")
			return nil
		}
		data, err := s.prompt.AskPayload()
		if err != nil {
			return err
		}
		entry, err := s.api.PutSecret(ctx, args[1], data)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Secret %s stored as %s\n", entry.Path, entry.ID)
	case "approve", "reject":
		if len(args) < 2 {
			fmt.Fprintf(s.out, "Usage: %s <id> [message]\n", args[0])
			return nil
		}
		status := models.StatusApproved
		if args[0] == "reject" {
			status = models.StatusRejected
		}
		resp, err := s.api.ChangeStatus(ctx, args[1], status, strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Request %s is now %s\n", resp.Request.ID, resp.Request.Status)
		if resp.Grant != nil {
			fmt.Fprintf(s.out, "Access %s granted until %s\n", resp.Grant.ID, resp.Grant.ExpirationDate.Local().Format(time.RFC1123))
		}
	case "pending":
		resp, err := s.api.Poll(ctx, client.PollQuery{Status: models.StatusPending})
		if err != nil {
			return err
		}
		s.printRequests(resp.Requests)
	case "watch":
		var status models.AccessStatus
		if len(args) > 1 {
			st, err := models.ParseAccessStatus(args[1])
			if err != nil {
				return err
			}
			status = st
		}
		s.watch(status)
	case "version":
		fmt.Fprintf(s.out, "Build version: %s\nBuild date: %s\n", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))
	default:
		fmt.Fprintln(s.out, "Unknown command. Type 'help' for a list of commands.")
	}
	return nil
}

func (s *shell) register(ctx context.Context) error {
	var in api.RegisterRequest
	for _, f := range []struct {
		label string
		dst   *string
	}{
		{"Username: ", &in.Username},
		{"Password: ", &in.Password},
		{"First name: ", &in.Firstname},
		{"Last name: ", &in.Lastname},
		{"Email (optional): ", &in.Email},
		{"Position (optional): ", &in.Position},
	} {
		answer, err := s.prompt.Ask(f.label)
		if err != nil {
			return err
		}
		*f.dst = answer
	}

	u, err := s.api.Register(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "User %s registered. Use 'login' to start a session.\n", u.Username)
	return nil
}

func (s *shell) login(ctx context.Context, role models.Role) error {
	username, err := s.prompt.Ask("Username: ")
	if err != nil {
		return err
	}
	password, err := s.prompt.Ask("Password: ")
	if err != nil {
		return err
	}

	var tok *api.TokenResponse
	if role == models.RoleAdmin {
		tok, err = s.api.LoginAdmin(ctx, username, password)
	} else {
		tok, err = s.api.LoginUser(ctx, username, password)
	}
	if err != nil {
		return err
	}

	s.session = &client.Session{
		BaseURL:   s.session.BaseURL,
		Username:  username,
		Role:      role,
		Token:     tok.AccessToken,
		ExpiresAt: tok.ExpiresAt,
	}
	if err := s.session.Save(s.sessionPath); err != nil {
		fmt.Fprintln(s.out, "warning: session not saved:", err)
	}
	fmt.Fprintf(s.out, "Logged in as %s (%s)\n", username, role)
	return nil
}

func (s *shell) request(ctx context.Context) error {
	secretID, err := s.prompt.Ask("Secret id (see 'secrets'): ")
	if err != nil {
		return err
	}
	days, err := s.prompt.AskInt("Access period in days [1]: ", 1)
	if err != nil {
		return err
	}
	reason, err := s.prompt.Ask("Reason: ")
	if err != nil {
		return err
	}
	data, err := s.prompt.AskJSON("Request data as JSON (optional): ")
	if err != nil {
		return err
	}

	req, err := s.api.RequestAccess(ctx, api.SubmitRequest{
		SecretID:     secretID,
		RequestData:  data,
		AccessPeriod: days,
		AccessReason: reason,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Request %s submitted, status %s\n", req.ID, req.Status)
	return nil
}

// watch follows request changes until the user interrupts it.
func (s *shell) watch(status models.AccessStatus) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintln(s.out, "Watching requests, press Ctrl-C to stop.")
	done := client.StartWatch(ctx, s.api, client.WatchOptions{
		Status: status,
		OnChange: func(r *api.PollResponse) {
			fmt.Fprintf(s.out, "--- %s ---\n", r.LastUpdate)
			s.printRequests(r.Requests)
		},
		OnError: func(err error) {
			fmt.Fprintln(s.out, "watch error:", err)
		},
	})
	<-done
}

func (s *shell) printRequests(reqs []models.AccessRequestView) {
	if len(reqs) == 0 {
		fmt.Fprintln(s.out, "No requests")
		return
	}
	for _, r := range reqs {
		fmt.Fprintf(s.out, "%s  user=%s  secret=%s  %dd  %s", r.ID, r.UserID, r.SecretID, r.AccessPeriod, r.Status)
		if r.AccessReason != "" {
			fmt.Fprintf(s.out, "  reason=%q", r.AccessReason)
		}
		if r.ResponseMessage != "" {
			fmt.Fprintf(s.out, "  response=%q", r.ResponseMessage)
		}
		fmt.Fprintln(s.out)
	}
}

func main() {
	var (
		baseURL     string
		caFile      string
		sessionPath string
		showVer     bool
	)

	pflag.StringVar(&baseURL, "url", "", "server base URL (default from session or http://localhost:8080)")
	pflag.StringVar(&caFile, "ca", "", "path to CA cert for HTTPS servers")
	pflag.StringVar(&sessionPath, "session", client.DefaultSessionFile, "path to the session file")
	pflag.BoolVar(&showVer, "version", false, "show build version and date")
	pflag.Parse()

	if showVer {
		fmt.Printf("GophBroker Client\nVersion: %s\nBuild Date: %s\n", cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))
		return
	}

	session, err := client.LoadSession(sessionPath)
	if err != nil {
		log.Fatal(err)
	}
	baseURL = cmp.Or(baseURL, session.BaseURL, "http://localhost:8080")
	if session.BaseURL != "" && session.BaseURL != baseURL {
		// A token issued by another server is useless here.
		session = &client.Session{}
	}
	session.BaseURL = baseURL

	httpClient, err := client.NewHTTPClient(caFile)
	if err != nil {
		log.Fatal(err)
	}
	c := client.New(baseURL, httpClient)
	if session.Valid(time.Now()) {
		c.SetToken(session.Token)
		fmt.Printf("Resumed session of %s (%s)\n", session.Username, session.Role)
	} else if session.Token != "" {
		fmt.Println("Stored session expired, please log in again.")
	}

	sh := &shell{
		api:         c,
		session:     session,
		sessionPath: sessionPath,
		prompt:      client.NewPrompter(os.Stdin, os.Stdout),
		out:         os.Stdout,
	}
	sh.repl()
}
