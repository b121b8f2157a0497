package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hitoshi/taskboard/internal/auth"
	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/config"
	"github.com/hitoshi/taskboard/internal/database"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/profile"
	"github.com/spf13/cobra"
)

// accountAdmin はadminサブコマンドが使うアカウント操作。
type accountAdmin interface {
	CreateUser(ctx context.Context, in auth.CreateUserInput) (*model.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	SetRole(ctx context.Context, accountID string, role model.Role) (*model.Account, error)
	RevokeTokens(ctx context.Context, accountID string) error
}

type profileReconciler interface {
	Reconcile(ctx context.Context, id profile.Identity) (*model.Profile, error)
}

type profileFinder interface {
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)
}

// admin はアカウントとプロフィールの運用操作を行う。結果はoutに書き出す。
type admin struct {
	accounts accountAdmin
	profiles profileReconciler
	lookup   profileFinder
	out      io.Writer
}

// createUser はアカウントを作成し、対応するプロフィールを用意する。
func (a *admin) createUser(ctx context.Context, in auth.CreateUserInput) error {
	account, err := a.accounts.CreateUser(ctx, in)
	if err != nil {
		return err
	}
	p, err := a.profiles.Reconcile(ctx, auth.Identity(account))
	if err != nil {
		return fmt.Errorf("account %s created but profile upsert failed: %w", account.ID, err)
	}
	fmt.Fprintf(a.out, "created user %s (%s) role=%s\n", account.ID, account.Email, p.Role)
	return nil
}

// setRole はカスタムクレームを変更し、既存のトークンを失効させてプロフィールを追従させる。
func (a *admin) setRole(ctx context.Context, email string, role model.Role) error {
	account, err := a.accounts.FindAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	account, err = a.accounts.SetRole(ctx, account.ID, role)
	if err != nil {
		return err
	}
	// 次回のトークン更新で新しいクレームを反映させる
	if err := a.accounts.RevokeTokens(ctx, account.ID); err != nil {
		return err
	}
	if _, err := a.profiles.Reconcile(ctx, auth.Identity(account)); err != nil {
		return fmt.Errorf("claims updated but profile upsert failed: %w", err)
	}
	fmt.Fprintf(a.out, "set role of %s to %s\n", account.Email, role)
	return nil
}

func (a *admin) revokeTokens(ctx context.Context, email string) error {
	account, err := a.accounts.FindAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err := a.accounts.RevokeTokens(ctx, account.ID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "revoked tokens of %s\n", account.Email)
	return nil
}

type verifyProfile struct {
	ID   string     `json:"id"`
	Name string     `json:"name"`
	Role model.Role `json:"role"`
}

type verifyOutput struct {
	UserID           string         `json:"user_id"`
	Email            string         `json:"email"`
	DisplayName      string         `json:"display_name"`
	Claims           model.Claims   `json:"claims"`
	EffectiveRole    model.Role     `json:"effective_role"`
	TokensValidAfter *time.Time     `json:"tokens_valid_after,omitempty"`
	Profile          *verifyProfile `json:"profile"`
	InSync           bool           `json:"in_sync"`
}

// verify はクレームとプロフィールをJSONで表示する。書き込みは行わない。
func (a *admin) verify(ctx context.Context, email string) error {
	account, err := a.accounts.FindAccountByEmail(ctx, email)
	if err != nil {
		return err
	}
	p, err := a.lookup.FindByUserID(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("failed to find profile: %w", err)
	}

	out := verifyOutput{
		UserID:        account.ID,
		Email:         account.Email,
		DisplayName:   account.DisplayName,
		Claims:        account.Claims,
		EffectiveRole: account.Claims.EffectiveRole(),
	}
	if !account.TokensValidAfter.IsZero() {
		out.TokensValidAfter = &account.TokensValidAfter
	}
	if p != nil {
		out.Profile = &verifyProfile{ID: p.ID, Name: p.Name, Role: p.Role}
		out.InSync = p.Role == out.EffectiveRole
	}

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func adminCmd(w io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   string(CommandAdmin),
		Short: "Manage accounts, custom claims and profiles",
	}

	var in auth.CreateUserInput
	var role string
	createUser := &cobra.Command{
		Use:   "create-user",
		Short: "Create an account and its profile",
		Long: `Create an account and its profile.

Examples:
  taskboard admin create-user --email admin@example.com --password secret1 --name Admin --role admin`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Role = model.Role(role)
			return withAdmin(cmd, w, func(ctx context.Context, a *admin) error {
				return a.createUser(ctx, in)
			})
		},
	}
	createUser.Flags().StringVar(&in.Email, "email", "", "email address")
	createUser.Flags().StringVar(&in.Password, "password", "", "initial password")
	createUser.Flags().StringVar(&in.DisplayName, "name", "", "display name")
	createUser.Flags().StringVar(&role, "role", string(model.RoleMember), "role (admin or member)")
	_ = createUser.MarkFlagRequired("email")
	_ = createUser.MarkFlagRequired("password")

	cmd.AddCommand(
		createUser,
		&cobra.Command{
			Use:   "set-role <email> <role>",
			Short: "Set the role claim and revoke existing tokens",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAdmin(cmd, w, func(ctx context.Context, a *admin) error {
					return a.setRole(ctx, args[0], model.Role(args[1]))
				})
			},
		},
		&cobra.Command{
			Use:   "revoke-tokens <email>",
			Short: "Invalidate issued ID tokens and sessions",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAdmin(cmd, w, func(ctx context.Context, a *admin) error {
					return a.revokeTokens(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "verify <email>",
			Short: "Print the claims and profile of an account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withAdmin(cmd, w, func(ctx context.Context, a *admin) error {
					return a.verify(ctx, args[0])
				})
			},
		},
	)
	return cmd
}

// withAdmin はDBに接続してadminを組み立て、fnを実行する。
func withAdmin(cmd *cobra.Command, w io.Writer, fn func(ctx context.Context, a *admin) error) error {
	return withConfig(cmd, w, func(ctx context.Context, cfg *config.Config) error {
		db, err := openDatabase(ctx, cfg, database.WorkerPoolConfig(1))
		if err != nil {
			return err
		}
		defer db.Close()

		repos := newRepositories(db)
		svc, err := newServices(serviceDeps{
			cfg:       cfg,
			repos:     repos,
			publisher: changefeed.NewPostgresPublisher(db),
			logger:    slog.Default(),
		})
		if err != nil {
			return err
		}
		return fn(ctx, &admin{
			accounts: svc.auth,
			profiles: svc.profile,
			lookup:   repos.profiles,
			out:      cmd.OutOrStdout(),
		})
	})
}
