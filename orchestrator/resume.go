package orchestrator

import (
	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/session"
	"go.uber.org/zap"
)

// Resume creates an agent that continues the work described by rctx. It
// starts with no seed context from the source conversation.
func (o *Orchestrator) Resume(sess session.ResumedSession, rctx session.ResumptionContext, opts agent.Options) (*agent.Agent, error) {
	opts.Name = session.ResumedName(sess)
	opts.Instructions = session.BuildPrompt(rctx)
	opts.IncludeCurrentMessage = false
	opts.IncludeParentContext = false
	opts.IncludeFullConversation = false
	opts.ConversationMessages = nil
	if opts.ConversationID == "" {
		opts.ConversationID = sess.ConversationID
	}
	a, err := o.Create(opts)
	if err != nil {
		return nil, err
	}
	o.log.Info("session resumed", zap.String("session", sess.ID), zap.String("agent", a.ID()))
	return a, nil
}

// ResumeSaved loads session id from the store and resumes it. The stored
// session is marked active.
func (o *Orchestrator) ResumeSaved(id string, opts agent.Options) (*agent.Agent, error) {
	if o.sessions == nil {
		return nil, errors.E(errors.Storage, "no session store configured")
	}
	rec, err := o.sessions.Load(id)
	if err != nil {
		return nil, err
	}
	a, err := o.Resume(rec.Session, rec.Context, opts)
	if err != nil {
		return nil, err
	}
	rec.Session.Status = session.StatusActive
	if err := o.sessions.Save(rec); err != nil {
		o.log.Warn("could not mark session active", zap.String("session", id), zap.Error(err))
	}
	return a, nil
}

// Suspend captures agent id, saves the capture and removes the agent.
// Nothing is removed when saving fails.
func (o *Orchestrator) Suspend(id string) (*session.Record, error) {
	e, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	if o.sessions == nil {
		return nil, errors.E(errors.Storage, "no session store configured")
	}
	var files []string
	if e.guard != nil {
		files = e.guard.Files()
	}
	sess, rctx := session.Capture(e.agent.Snapshot(), files)
	rec := &session.Record{Session: sess, Context: rctx}
	if err := o.sessions.Save(rec); err != nil {
		return nil, err
	}
	if err := o.Remove(id); err != nil {
		return nil, err
	}
	o.log.Info("agent suspended", zap.String("agent", id), zap.String("session", sess.ID))
	return rec, nil
}

// SavedSessions lists the stored sessions, most recent first.
func (o *Orchestrator) SavedSessions() ([]session.ResumedSession, error) {
	if o.sessions == nil {
		return nil, errors.E(errors.Storage, "no session store configured")
	}
	return o.sessions.List()
}
