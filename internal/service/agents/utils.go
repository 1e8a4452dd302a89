package agents

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/datanimbus/dnio-configuration-manager/internal/cipher"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/storage"
)

// Password returns an agent's decrypted password.
func (s *Service) Password(ctx context.Context, app, id string) (string, error) {
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return "", err
	}
	pw, err := s.cipher.DecryptText(ctx, a.Password)
	if err != nil {
		s.logger.Error("agents: decrypt password", "agent_id", a.AgentID, "error", err)
		return "", model.NotFound("Unable to Decrypt Agent Password")
	}
	return pw, nil
}

// ChangePassword rotates the password and the derived secret, bumps the
// version and ends every session of the agent.
func (s *Service) ChangePassword(ctx context.Context, app, id, password, user string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", model.Invalid("Password is mandatory")
	}
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return "", err
	}
	if a.Password, err = s.cipher.EncryptText(ctx, password); err != nil {
		return "", wrap("encrypt password", err)
	}
	if a.Secret, err = s.cipher.EncryptText(ctx, cipher.MD5Hex([]byte(password))); err != nil {
		return "", wrap("encrypt secret", err)
	}
	a.Version++
	a.Metadata.LastUpdatedBy = user
	if a, err = s.save(ctx, a); err != nil {
		return "", err
	}
	s.emit(ctx, a, model.ActionPasswordChange, nil)
	s.endSessions(ctx, a)
	return "Password Changed Successfully", nil
}

// ReissueToken issues a fresh token, ends every existing session and
// delivers the new token through a TOKEN-REISSUED action.
func (s *Service) ReissueToken(ctx context.Context, app, id string) (string, error) {
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return "", err
	}
	token, exp, err := s.jwt.IssueAgentToken(a, s.cfg.TokenTTL)
	if err != nil {
		return "", wrap("issue token", err)
	}
	s.endSessions(ctx, a)
	if err := s.recordSession(ctx, a, token, time.Now().UTC(), exp); err != nil {
		return "", err
	}
	s.emit(ctx, a, model.ActionTokenReissued, map[string]string{"token": token})
	return "Agent Token Re-Issued", nil
}

// EndSession disables every session of the agent.
func (s *Service) EndSession(ctx context.Context, app, id string) (string, error) {
	return s.signal(ctx, app, id, model.ActionSessionEnded, "Agent Session Termination Triggered")
}

// Stop asks the agent to shut down and ends its sessions.
func (s *Service) Stop(ctx context.Context, app, id string) (string, error) {
	return s.signal(ctx, app, id, model.ActionAgentStopped, "Agent Stop Triggered")
}

// TriggerUpdate asks the agent to update itself and ends its sessions.
func (s *Service) TriggerUpdate(ctx context.Context, app, id string) (string, error) {
	return s.signal(ctx, app, id, model.ActionAgentUpdated, "Agent Update Triggered")
}

func (s *Service) signal(ctx context.Context, app, id string, kind model.ActionKind, msg string) (string, error) {
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return "", err
	}
	s.emit(ctx, a, kind, nil)
	s.endSessions(ctx, a)
	return msg, nil
}

func (s *Service) endSessions(ctx context.Context, a model.Agent) {
	n, err := s.db.EndAgentSessions(ctx, a.AgentID)
	if err != nil {
		s.logger.Warn("agents: end sessions failed", "agent_id", a.AgentID, "error", err)
		return
	}
	s.logger.Info("agent sessions ended", "agent_id", a.AgentID, "count", n)
}

// ActionRequest is an administrator-queued instruction for one agent.
type ActionRequest struct {
	Action   string          `json:"action"`
	MetaData json.RawMessage `json:"metaData"`
}

// QueueAction queues a manual instruction. Only "download" is supported;
// it becomes a DOWNLOAD_REQUEST carrying metaData unchanged.
func (s *Service) QueueAction(ctx context.Context, app, id string, req ActionRequest) (model.AgentAction, error) {
	if !strings.EqualFold(req.Action, "download") {
		return model.AgentAction{}, model.Invalid("Invalid Action")
	}
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return model.AgentAction{}, err
	}
	act := model.AgentAction{
		AgentID:   a.AgentID,
		AgentName: a.Name,
		App:       a.App,
		Action:    model.ActionDownload,
		MetaData:  req.MetaData,
	}
	saved, err := s.ledger.Append(ctx, act)
	if err != nil {
		return model.AgentAction{}, err
	}
	return saved[0], nil
}

// Actions returns the most recent actions queued for an agent, delivered or not.
func (s *Service) Actions(ctx context.Context, app, id string, limit int) ([]model.AgentAction, error) {
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListActions(ctx, a.AgentID, limit)
}

// Sessions lists an agent's unexpired sessions.
func (s *Service) Sessions(ctx context.Context, app, id string) ([]model.Session, error) {
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return nil, err
	}
	return s.db.ListSessions(ctx, a.AgentID)
}

// SetSessionStatus enables or disables one session. action must be
// Enabled or Disabled.
func (s *Service) SetSessionStatus(ctx context.Context, app, id, sessionKey, action string) (string, error) {
	status, ok := model.ParseSessionStatus(action)
	if !ok {
		return "", model.Invalid("Invalid Action")
	}
	a, err := s.Get(ctx, app, id)
	if err != nil {
		return "", err
	}
	err = s.db.SetSessionStatus(ctx, a.AgentID, sessionKey, status)
	if errors.Is(err, storage.ErrNotFound) {
		return "", model.NotFound("Session Not Found")
	}
	if err != nil {
		return "", err
	}
	return "Session " + string(status), nil
}
