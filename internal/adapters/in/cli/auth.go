package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/bnema/reach/internal/adapters/in/cli/ui/styles"
	"github.com/bnema/reach/internal/app"
	"github.com/bnema/reach/internal/domain"
	"github.com/bnema/reach/pkg/jwtshape"
)

// newLoginCmd creates the login command.
func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the session",
		Long: `Authenticate against POST /auth/login and persist the returned token pair.

The password is read from --password, then REACH_PASSWORD, then prompted
without echo.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := bufio.NewReader(cmd.InOrStdin())

			if email == "" {
				cmd.Print("Email: ")
				line, err := in.ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("failed to read email: %w", err)
				}
				email = strings.TrimSpace(line)
			}
			if password == "" {
				password = os.Getenv("REACH_PASSWORD")
			}
			if password == "" {
				p, err := readPassword(cmd, in)
				if err != nil {
					return err
				}
				password = p
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Session.Login(ctx, domain.Credentials{Email: email, Password: password}); err != nil {
					if domain.StatusCodeOf(err) == http.StatusUnauthorized {
						return errors.New("invalid email or password")
					}
					return err
				}

				rec := a.Session.Snapshot()
				fmt.Fprintln(cmd.OutOrStdout(), styles.Theme.Success.Render(styles.IconSuccess+" Logged in as "+email) +
					styles.Theme.Muted.Render(fmt.Sprintf(" (token valid until %s)", rec.ExpiresAt.Local().Format(time.RFC1123))))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password (prefer the prompt or REACH_PASSWORD)")

	return cmd
}

// readPassword reads a password without echo on a terminal, or a line otherwise.
func readPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	cmd.Print("Password: ")
	defer cmd.Println()

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	// Only trim the trailing newline
	return strings.TrimRight(line, "\r\n"), nil
}

// newLogoutCmd creates the logout command.
func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				a.Session.Logout(ctx)
				a.Cache.Clear()
				fmt.Fprintln(cmd.OutOrStdout(), styles.Theme.Success.Render(styles.IconSuccess + " Logged out"))
				return nil
			})
		},
	}
}

// newStatusCmd creates the status command.
func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				fmt.Fprintln(cmd.OutOrStdout(), renderStatus(a, time.Now()))
				return nil
			})
		},
	}
}

func renderStatus(a *app.App, now time.Time) string {
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, styles.Theme.Label.Render(label), styles.Theme.Body.Render(value))
	}

	rows := []string{
		styles.Theme.Title.Render("Session"),
		row("API", a.API.BaseURL()),
		row("Storage", a.Config.Storage.Backend),
	}

	rec := a.Session.Snapshot()
	if rec == nil {
		rows = append(rows, row("State", styles.Theme.Warning.Render(styles.IconWarning+" not logged in")))
		return styles.Theme.Box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	}

	state := styles.Theme.Success.Render(styles.IconSuccess + " valid")
	switch {
	case rec.IsExpired(now) && rec.HasRefreshToken():
		state = styles.Theme.Warning.Render(styles.IconPending + " expired, refresh on next use")
	case rec.IsExpired(now):
		state = styles.Theme.Error.Render(styles.IconError + " expired")
	case rec.Remaining(now) < a.Config.Session.RefreshBuffer && rec.HasRefreshToken():
		state = styles.Theme.Warning.Render(styles.IconPending + " refresh due")
	}
	rows = append(rows, row("State", state))

	if sub, ok := jwtshape.Subject(rec.AccessToken); ok {
		rows = append(rows, row("Subject", sub))
	}
	rows = append(rows,
		row("Token type", rec.TokenType),
		row("Expires", fmt.Sprintf("%s (%s)", rec.ExpiresAt.Local().Format(time.RFC1123), rec.Remaining(now).Round(time.Second))),
		row("Refresh token", yesNo(rec.HasRefreshToken())),
		row("Active", yesNo(a.Session.IsSessionActive())),
	)
	return styles.Theme.Box.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// newTokenCmd creates the token command.
func newTokenCmd(opts *rootOptions) *cobra.Command {
	var noRefresh bool

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a valid access token",
		Long: `Print the current access token, refreshing it first when it is close to
expiry. Useful as: curl -H "Authorization: Bearer $(reach token)" ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if noRefresh {
					token, ok := a.Session.GetTokenSync()
					if !ok {
						return domain.ErrNoValidToken
					}
					fmt.Fprintln(cmd.OutOrStdout(), token)
					return nil
				}

				res := a.Session.GetValidTokenWithRefresh(ctx)
				if !res.Valid {
					return fmt.Errorf("%w: %s", domain.ErrNoValidToken, res.Reason)
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Token)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&noRefresh, "no-refresh", false, "Never contact the API; fail if the token expired")

	return cmd
}
