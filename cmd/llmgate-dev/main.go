// llmgate-dev 是本地联调用的启动器：
// - 启动时自动创建临时 SQLite 并 seed 一个 free 组织与一个带积分的 pro 组织（各含 project 与 API key）
// - 仅用于本地开发，不用于生产或发布构建
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"llmgate/internal/auth"
	"llmgate/internal/config"
	"llmgate/internal/crypto"
	"llmgate/internal/obs"
	"llmgate/internal/server"
	"llmgate/internal/store"
	"llmgate/internal/version"
)

const defaultAddr = "127.0.0.1:18080"

func envOr(key string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

type seededOrg struct {
	OrgID     string
	ProjectID string
	Tier      string
	APIKey    string
}

func main() {
	_ = godotenv.Load()

	addr := envOr("LLMGATE_DEV_ADDR", defaultAddr)
	workDir := strings.TrimSpace(os.Getenv("LLMGATE_DEV_WORKDIR"))
	if workDir == "" {
		dir, err := os.MkdirTemp("", "llmgate-dev-*")
		if err != nil {
			fmt.Fprintln(os.Stderr, "创建临时目录失败:", err)
			os.Exit(1)
		}
		workDir = dir
	}
	dbPath := filepath.Join(workDir, "llmgate.sqlite") + "?_busy_timeout=30000"

	os.Setenv("LLMGATE_ENV", "dev")
	os.Setenv("LLMGATE_ADDR", addr)
	os.Setenv("LLMGATE_DB_DRIVER", "sqlite")
	os.Setenv("LLMGATE_SQLITE_PATH", dbPath)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "加载配置失败:", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	db, dialect, err := store.OpenDB(cfg.Env, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.SQLitePath)
	if err != nil {
		slog.Error("连接数据库失败", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	if dialect != store.DialectSQLite {
		slog.Error("llmgate-dev 仅支持 SQLite", "dialect", dialect)
		os.Exit(1)
	}
	if err := store.EnsureSQLiteSchema(db); err != nil {
		slog.Error("初始化 SQLite schema 失败", "err", err)
		os.Exit(1)
	}

	st := store.New(db)
	st.SetDialect(dialect)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	seeded, err := seed(ctx, st)
	cancel()
	if err != nil {
		slog.Error("初始化开发数据失败", "err", err)
		os.Exit(1)
	}

	app, err := server.NewApp(server.AppOptions{
		Config:  cfg,
		DB:      db,
		Version: version.Info(),
	})
	if err != nil {
		slog.Error("初始化服务失败", "err", err)
		os.Exit(1)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("HTTP 服务监听启动失败", "addr", addr, "err", err)
		os.Exit(1)
	}
	fmt.Printf("llmgate-dev listening on http://%s (workdir=%s)\n", ln.Addr().String(), workDir)
	for _, s := range seeded {
		fmt.Printf("  %-4s org=%s project=%s key=%s\n", s.Tier, s.OrgID, s.ProjectID, s.APIKey)
	}

	httpServer := &http.Server{Handler: app.Handler(), ReadHeaderTimeout: 10 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serverErr:
		slog.Error("HTTP 服务异常退出", "err", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// devPricing 覆盖少量常用模型；其余模型走 provider 默认单价。
var devPricing = []store.ModelPricing{
	{Provider: "openai", Model: "gpt-4o", InputPer1K: decimal.RequireFromString("0.0025"), OutputPer1K: decimal.RequireFromString("0.01"), MarkupPercent: decimal.NewFromInt(50)},
	{Provider: "openai", Model: "gpt-4o-mini", InputPer1K: decimal.RequireFromString("0.00015"), OutputPer1K: decimal.RequireFromString("0.0006"), MarkupPercent: decimal.NewFromInt(50)},
	{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", InputPer1K: decimal.RequireFromString("0.003"), OutputPer1K: decimal.RequireFromString("0.015"), MarkupPercent: decimal.NewFromInt(50)},
	{Provider: "google", Model: "gemini-2.5-flash", InputPer1K: decimal.RequireFromString("0.00025"), OutputPer1K: decimal.RequireFromString("0.00075"), MarkupPercent: decimal.Zero},
}

func seed(ctx context.Context, st *store.Store) ([]seededOrg, error) {
	if err := st.SeedModelPricing(ctx, devPricing); err != nil {
		return nil, err
	}

	plans := []struct {
		tier    string
		balance string
		limit   int64
	}{
		{tier: store.TierFree, balance: "0", limit: 1000},
		{tier: store.TierPro, balance: "25", limit: 50000},
	}
	out := make([]seededOrg, 0, len(plans))
	for _, p := range plans {
		orgID := "org_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		projectID := "proj_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		if err := st.CreateOrganization(ctx, store.Organization{
			ID:                  orgID,
			Name:                "dev " + p.tier,
			SubscriptionTier:    p.tier,
			MonthlyRequestLimit: p.limit,
			CreditsBalance:      decimal.RequireFromString(p.balance),
		}); err != nil {
			return nil, err
		}
		if err := st.CreateProject(ctx, store.Project{ID: projectID, OrganizationID: orgID, Name: "default"}); err != nil {
			return nil, err
		}
		key, err := auth.NewRandomToken("csk_", 24)
		if err != nil {
			return nil, err
		}
		if _, err := st.CreateAPIKey(ctx, projectID, "dev", crypto.KeyHash(key), crypto.KeyPrefix(key, 12)); err != nil {
			return nil, err
		}
		out = append(out, seededOrg{OrgID: orgID, ProjectID: projectID, Tier: p.tier, APIKey: key})
	}
	return out, nil
}
