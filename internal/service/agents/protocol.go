package agents

import (
	"context"
	"errors"
	"time"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/service/ledger"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// ErrSessionEnded is returned by ValidateSession for a token whose session
// was ended, disabled or has expired.
var ErrSessionEnded = errors.New("agents: session ended")

// Login authenticates an agent by agentId and password, issues a token,
// records the session and marks the agent RUNNING.
func (s *Service) Login(ctx context.Context, req model.AgentLoginRequest) (model.AgentLoginResponse, error) {
	a, err := s.db.GetAgentByAgentID(ctx, req.AgentID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.AgentLoginResponse{}, model.Invalid("Invalid Credentials")
	}
	if err != nil {
		return model.AgentLoginResponse{}, err
	}
	if !a.Active {
		return model.AgentLoginResponse{}, model.Forbidden("Agent is Disabled, please contact Administrator")
	}
	if a.Status == model.AgentRunning {
		return model.AgentLoginResponse{}, model.Forbidden("Agent is Already Running on %s", a.IPAddress)
	}

	password, err := s.cipher.DecryptText(ctx, a.Password)
	if err != nil || password != req.Password {
		s.logger.Warn("agent login rejected", "agent_id", req.AgentID, "ip", req.IPAddress)
		return model.AgentLoginResponse{}, model.Invalid("Invalid Credentials")
	}
	secret, err := s.cipher.DecryptText(ctx, a.Secret)
	if err != nil {
		return model.AgentLoginResponse{}, model.Invalid("Unable to Decrypt Text")
	}

	token, exp, err := s.jwt.IssueAgentToken(a, s.cfg.TokenTTL)
	if err != nil {
		return model.AgentLoginResponse{}, wrap("issue token", err)
	}

	now := time.Now().UTC()
	a.LastLoggedIn = &now
	a.Status = model.AgentRunning
	a.IPAddress = req.IPAddress
	a.MACAddress = req.MACAddress
	if req.Release != "" {
		a.Release = req.Release
	}
	if a, err = s.save(ctx, a); err != nil {
		return model.AgentLoginResponse{}, err
	}
	if err := s.recordSession(ctx, a, token, now, exp); err != nil {
		return model.AgentLoginResponse{}, err
	}
	s.logins.Add(ctx, 1)
	s.logger.Info("agent logged in", "agent_id", a.AgentID, "app", a.App, "ip", a.IPAddress)

	return model.AgentLoginResponse{
		Agent:                  a,
		Token:                  token,
		Secret:                 secret,
		EncryptionKey:          s.cfg.EncryptionKey,
		UploadRetryCounter:     s.cfg.UploadRetryCounter,
		DownloadRetryCounter:   s.cfg.DownloadRetryCounter,
		MaxConcurrentUploads:   s.cfg.MaxConcurrentUploads,
		MaxConcurrentDownloads: s.cfg.MaxConcurrentDownloads,
	}, nil
}

func (s *Service) recordSession(ctx context.Context, a model.Agent, token string, at, exp time.Time) error {
	return s.db.InsertSession(ctx, model.Session{
		Key:          auth.TokenKey(token),
		AgentID:      a.AgentID,
		App:          a.App,
		Name:         a.Name,
		TokenSuffix:  tokenSuffix(token),
		Status:       model.SessionEnabled,
		LastLoggedIn: at,
		ExpiresAt:    exp,
	})
}

// ValidateSession checks that token still has an enabled, unexpired
// session belonging to agentID.
func (s *Service) ValidateSession(ctx context.Context, token, agentID string) error {
	sess, err := s.db.GetSession(ctx, auth.TokenKey(token))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSessionEnded
	}
	if err != nil {
		return err
	}
	if sess.AgentID != agentID || sess.Status != model.SessionEnabled || !sess.ExpiresAt.After(time.Now()) {
		return ErrSessionEnded
	}
	return nil
}

// Heartbeat marks the agent RUNNING and hands it every pending action.
// Delivered actions are marked sent before the response is built.
func (s *Service) Heartbeat(ctx context.Context, agentID string) (model.HeartbeatResponse, error) {
	a, err := s.db.RecordHeartbeat(ctx, agentID, time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		return model.HeartbeatResponse{}, model.NotFound("Agent Not Found")
	}
	if err != nil {
		return model.HeartbeatResponse{}, err
	}
	actions, err := s.ledger.Deliver(ctx, agentID)
	if err != nil {
		return model.HeartbeatResponse{}, err
	}
	if actions == nil {
		actions = []model.AgentAction{}
	}
	s.heartbeats.Add(ctx, 1)
	return model.HeartbeatResponse{
		TransferLedgerEntries:     actions,
		Status:                    a.Status,
		AgentMaxConcurrentUploads: s.cfg.MaxConcurrentUploads,
	}, nil
}

// Init returns the bootstrap snapshot: one entry per flow of the agent's
// app that binds the agent. Active flows are described as start requests,
// all others as create requests. Nothing is queued or marked sent.
func (s *Service) Init(ctx context.Context, agentID string) (model.InitResponse, error) {
	a, err := s.byAgentID(ctx, agentID)
	if err != nil {
		return model.InitResponse{}, err
	}
	flows, err := s.db.ListPipelinesReferencingAgent(ctx, model.KindFlow, a.App, a.AgentID)
	if err != nil {
		return model.InitResponse{}, err
	}
	entries := []model.AgentAction{}
	for i := range flows {
		op := ledger.OpCreate
		if flows[i].Status == model.StatusActive {
			op = ledger.OpStart
		}
		for _, act := range s.ledger.Snapshot(&flows[i], op) {
			if act.AgentID == a.AgentID {
				entries = append(entries, act)
			}
		}
	}
	mode := upper(s.cfg.Mode)
	if mode == "" {
		mode = "PROD"
	}
	return model.InitResponse{TransferLedgerEntries: entries, Mode: mode}, nil
}

// StopSilentAgents stops RUNNING agents whose last heartbeat is older than
// the silence window and ends their sessions.
func (s *Service) StopSilentAgents(ctx context.Context, now time.Time) ([]string, error) {
	window := s.cfg.SilenceWindow()
	if window <= 0 {
		return nil, nil
	}
	ids, err := s.db.StopSilentAgents(ctx, now.Add(-window))
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := s.db.EndAgentSessions(ctx, id); err != nil {
			s.logger.Warn("agents: end sessions of silent agent", "agent_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("silent agents stopped", "count", len(ids), "window", window)
	}
	return ids, nil
}

// PurgeExpiredSessions deletes session records past their expiry.
func (s *Service) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	return s.db.PurgeExpiredSessions(ctx, now)
}
