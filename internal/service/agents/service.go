// Package agents administers partner and site agents and implements the
// agent side of the control protocol: login, session tracking, heartbeat
// and the init snapshot.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/cipher"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
	"github.com/datanimbus/dnio-configuration-manager/internal/telemetry"
)

const generatedPasswordLen = 8

// Config carries the runtime settings handed to agents at login.
type Config struct {
	TokenTTL               time.Duration
	EncryptionKey          string
	UploadRetryCounter     string
	DownloadRetryCounter   string
	MaxConcurrentUploads   int
	MaxConcurrentDownloads int
	Mode                   string

	// HBFrequency times HBMissCount is how long a RUNNING agent may stay
	// silent before the liveness monitor stops it.
	HBFrequency time.Duration
	HBMissCount int
}

// SilenceWindow is the heartbeat gap after which an agent counts as stopped.
func (c Config) SilenceWindow() time.Duration {
	return c.HBFrequency * time.Duration(c.HBMissCount)
}

// Service owns agent documents and sessions.
type Service struct {
	db     *storage.DB
	cipher *cipher.Executor
	jwt    *auth.JWTManager
	ledger *ledger.Ledger
	cfg    Config
	logger *slog.Logger

	logins     metric.Int64Counter
	heartbeats metric.Int64Counter
}

// New creates an agents Service.
func New(db *storage.DB, cx *cipher.Executor, jwtMgr *auth.JWTManager, ldg *ledger.Ledger, cfg Config, logger *slog.Logger) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 2 * time.Hour
	}
	if cfg.Mode == "" {
		cfg.Mode = "PROD"
	}
	return &Service{
		db:     db,
		cipher: cx,
		jwt:    jwtMgr,
		ledger: ldg,
		cfg:    cfg,
		logger: logger,
		logins: telemetry.Int64Counter("configmanager/agents",
			"cm.agents.logins", "Successful agent logins"),
		heartbeats: telemetry.Int64Counter("configmanager/agents",
			"cm.agents.heartbeats", "Agent heartbeats served"),
	}
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// List returns a page of an app's agents.
func (s *Service) List(ctx context.Context, app string, limit, offset int) ([]model.Agent, error) {
	if limit <= 0 {
		limit = 30
	}
	if offset < 0 {
		offset = 0
	}
	out, err := s.db.ListAgents(ctx, app, limit, offset)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Agent{}
	}
	return out, nil
}

// Get returns one agent of app.
func (s *Service) Get(ctx context.Context, app, id string) (model.Agent, error) {
	a, err := s.db.GetAgent(ctx, app, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Agent{}, model.NotFound("Agent Not Found")
	}
	return a, err
}

func (s *Service) byAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	a, err := s.db.GetAgentByAgentID(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Agent{}, model.NotFound("Agent Not Found")
	}
	return a, err
}

// Create registers a new agent. The uuid, password and secret are
// generated here; the password and secret are stored encrypted.
func (s *Service) Create(ctx context.Context, app string, patch model.AgentPatch, user string) (model.Agent, error) {
	a := model.Agent{App: app, Active: true}
	patch.ApplyTo(&a)
	if patch.Active == nil {
		a.Active = true
	}
	if err := a.Validate(); err != nil {
		return model.Agent{}, err
	}
	if err := s.checkName(ctx, a, ""); err != nil {
		return model.Agent{}, err
	}
	if err := s.ensureCredentials(ctx, &a); err != nil {
		return model.Agent{}, err
	}
	id, err := s.db.NextID(ctx, storage.CounterAgents, "AGENT", storage.AgentIDOffset)
	if err != nil {
		return model.Agent{}, err
	}
	a.ID = id
	a.AgentID = uuid.NewString()
	a.Metadata.CreatedBy = user
	a.Metadata.LastUpdatedBy = user

	saved, err := s.db.CreateAgent(ctx, a)
	if errors.Is(err, storage.ErrDuplicate) {
		return model.Agent{}, model.Invalid("Agent name is already in use")
	}
	if err != nil {
		return model.Agent{}, err
	}
	s.logger.Info("agent created", "app", app, "id", saved.ID, "agent_id", saved.AgentID, "name", saved.Name)
	return saved, nil
}

// Update applies an administrator edit, bumps the version and tells the
// agent to refresh.
func (s *Service) Update(ctx context.Context, app, id string, patch model.AgentPatch, user string) (model.Agent, error) {
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return model.Agent{}, err
	}
	patch.ApplyTo(&a)
	if err := a.Validate(); err != nil {
		return model.Agent{}, err
	}
	if err := s.checkName(ctx, a, a.ID); err != nil {
		return model.Agent{}, err
	}
	if err := s.ensureCredentials(ctx, &a); err != nil {
		return model.Agent{}, err
	}
	a.Version++
	a.Metadata.LastUpdatedBy = user
	saved, err := s.save(ctx, a)
	if err != nil {
		return model.Agent{}, err
	}
	s.emit(ctx, saved, model.ActionAgentUpdated, nil)
	return saved, nil
}

// Delete removes an agent and its sessions, then queues DELETE_AGENT so a
// connected agent shuts itself down.
func (s *Service) Delete(ctx context.Context, app, id string) (string, error) {
	a, err := s.db.DeleteAgent(ctx, app, id)
	if errors.Is(err, storage.ErrNotFound) {
		return "", model.NotFound("Agent Not Found")
	}
	if err != nil {
		return "", err
	}
	s.emit(ctx, a, model.ActionDeleteAgent, nil)
	s.logger.Info("agent deleted", "app", app, "id", id, "agent_id", a.AgentID)
	return "Agent Deleted", nil
}

func (s *Service) checkName(ctx context.Context, a model.Agent, excludeID string) error {
	taken, err := s.db.AgentNameTaken(ctx, a.App, a.Name, excludeID)
	if err != nil {
		return err
	}
	if taken {
		return model.Invalid("Agent name is already in use")
	}
	return nil
}

// ensureCredentials fills a missing password with a random one and a
// missing secret with the MD5 of another, both encrypted.
func (s *Service) ensureCredentials(ctx context.Context, a *model.Agent) error {
	if a.Password == "" {
		pw, err := cipher.GeneratePassword(generatedPasswordLen)
		if err != nil {
			return err
		}
		if a.Password, err = s.cipher.EncryptText(ctx, pw); err != nil {
			return err
		}
	}
	if a.Secret == "" {
		raw, err := cipher.GeneratePassword(generatedPasswordLen)
		if err != nil {
			return err
		}
		if a.Secret, err = s.cipher.EncryptText(ctx, cipher.MD5Hex([]byte(raw))); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) save(ctx context.Context, a model.Agent) (model.Agent, error) {
	saved, err := s.db.UpdateAgent(ctx, a)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return model.Agent{}, model.NotFound("Agent Not Found")
	case errors.Is(err, storage.ErrDuplicate):
		return model.Agent{}, model.Invalid("Agent name is already in use")
	case err != nil:
		return model.Agent{}, err
	}
	return saved, nil
}

// emit queues an administrative action. Failures are logged; the
// triggering change has already been stored.
func (s *Service) emit(ctx context.Context, a model.Agent, kind model.ActionKind, meta any) {
	if s.ledger == nil {
		return
	}
	if _, err := s.ledger.Append(ctx, ledger.AgentEvent(a.AgentID, a.App, a.Name, kind, meta)); err != nil {
		s.logger.Warn("agents: queue action failed", "agent_id", a.AgentID, "action", kind, "error", err)
	}
}

func tokenSuffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("agents: %s: %w", op, err)
}

func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
