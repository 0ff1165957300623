package commands

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/justmike1/casebot/apperr"
	"github.com/justmike1/casebot/cases"
	"github.com/justmike1/casebot/connection"
	"github.com/justmike1/casebot/credentials"
	"github.com/justmike1/casebot/feed"
	"github.com/justmike1/casebot/identity"
	botslack "github.com/justmike1/casebot/slack"
)

type Router struct {
	conns     Connections
	store     credentials.Store
	responder Responder
	replies   ReplyProvider
	types     cases.RecordTypeIDs
	logger    *zap.Logger
}

func NewRouter(conns Connections, store credentials.Store, responder Responder, replies ReplyProvider, types cases.RecordTypeIDs, logger *zap.Logger) *Router {
	return &Router{
		conns:     conns,
		store:     store,
		responder: responder,
		replies:   replies,
		types:     types,
		logger:    logger.Named("commands"),
	}
}

// Handle answers one command and delivers the reply. It is the
// botslack.CommandHandler for both the webhook and Socket Mode.
func (r *Router) Handle(ctx context.Context, cmd botslack.Command) {
	reply := r.Reply(ctx, cmd)
	if err := r.responder.Respond(ctx, cmd, reply); err != nil {
		r.logger.Error("failed to deliver reply",
			zap.String("user", cmd.UserID),
			zap.String("channel", cmd.ChannelID),
			zap.Error(err))
	}
}

// session is everything one command needs, bound to a freshly resolved
// connection.
type session struct {
	handle *connection.Handle
	people *identity.Resolver
	repo   *cases.Repository
	feed   *feed.Aggregator
}

func (r *Router) open(ctx context.Context, chatUserID string) (*session, error) {
	h, err := r.conns.Resolve(ctx, chatUserID)
	if err != nil {
		return nil, err
	}
	people := identity.New(h.Client(), r.store, r.logger)
	return &session{
		handle: h,
		people: people,
		repo:   cases.NewRepository(h.Client(), people, r.types, r.logger),
		feed:   feed.NewAggregator(h.Client(), people, r.logger),
	}, nil
}

// Reply computes the answer to cmd without sending it.
func (r *Router) Reply(ctx context.Context, cmd botslack.Command) botslack.Reply {
	log := r.logger.With(zap.String("user", cmd.UserID), zap.String("channel", cmd.ChannelID))

	req, err := parse(cmd.Text)
	if err != nil {
		return r.parseErrorReply(err)
	}
	if req.verb == verbHelp {
		return botslack.Reply{Text: r.replies.Get("help"), Ephemeral: true}
	}

	s, err := r.open(ctx, cmd.UserID)
	if err != nil {
		return r.errorReply(log, req, err)
	}

	reply, err := r.dispatch(ctx, s, cmd, req)
	if err != nil {
		return r.errorReply(log, req, err)
	}
	log.Info("command handled", zap.String("verb", string(req.verb)), zap.String("case", req.number))
	return reply
}

func (r *Router) dispatch(ctx context.Context, s *session, cmd botslack.Command, req request) (botslack.Reply, error) {
	switch req.verb {
	case verbLogin:
		return r.login(ctx, s)
	case verbCreate:
		return r.create(ctx, s, cmd, req)
	case verbList:
		return r.list(ctx, s, req)
	case verbShow:
		return r.show(ctx, s, req)
	case verbField:
		v, err := s.repo.FieldValue(ctx, req.number, req.field)
		if err != nil {
			return botslack.Reply{}, err
		}
		return botslack.Reply{Text: r.replies.Format("field_value", req.field, req.number, v)}, nil
	case verbComments:
		return r.comments(ctx, s, req)
	case verbComment:
		id, err := s.repo.CaseIDByNumber(ctx, req.number)
		if err != nil {
			return botslack.Reply{}, err
		}
		if _, err := s.repo.CreateComment(ctx, id, req.text); err != nil {
			return botslack.Reply{}, err
		}
		return botslack.Reply{Text: r.replies.Format("comment_added", req.number)}, nil
	case verbUpdate:
		field, _ := cases.FieldName(req.field)
		id, err := s.repo.CaseIDByNumber(ctx, req.number)
		if err != nil {
			return botslack.Reply{}, err
		}
		if err := s.repo.UpdateCase(ctx, id, map[string]any{field: req.value}); err != nil {
			return botslack.Reply{}, err
		}
		return botslack.Reply{Text: r.replies.Format("updated", req.number)}, nil
	case verbKB:
		return r.knowledge(ctx, s, req)
	case verbUsage:
		u, err := s.repo.APIUsage(ctx)
		if err != nil {
			return botslack.Reply{}, err
		}
		return botslack.Reply{Text: u.String(), Ephemeral: true}, nil
	}
	return botslack.Reply{}, fmt.Errorf("unhandled verb %q", req.verb)
}

func (r *Router) login(ctx context.Context, s *session) (botslack.Reply, error) {
	name := s.handle.ExternalUserID()
	if name != "" {
		if n, err := s.people.DisplayNameByID(ctx, name); err == nil {
			name = n
		}
	}
	relink := r.conns.LoginURL(s.handle.ChatUserID())
	return botslack.Reply{Text: r.replies.Format("already_logged_in", name, relink), Ephemeral: true}, nil
}

func (r *Router) create(ctx context.Context, s *session, cmd botslack.Command, req request) (botslack.Reply, error) {
	c, err := s.repo.CreateCase(ctx, req.subject, cmd.UserID, req.text, req.recordType)
	if err != nil {
		return botslack.Reply{}, err
	}
	if c.CaseNumber == "" {
		return botslack.Reply{Text: r.replies.Format("case_created_no_number", c.RecordType, c.Subject)}, nil
	}
	text := r.replies.Format("case_created", c.RecordType, c.CaseNumber, c.DetailURL)
	return botslack.Reply{Text: text, Blocks: caseDetailBlocks(*c, "")}, nil
}

func (r *Router) list(ctx context.Context, s *session, req request) (botslack.Reply, error) {
	found, err := s.repo.Search(ctx, cases.Criteria{
		RecordType: req.recordType,
		Subject:    req.subject,
		OwnerName:  req.owner,
	})
	if err != nil {
		return botslack.Reply{}, err
	}
	label := typeLabel(req.recordType)
	if len(found) == 0 {
		return botslack.Reply{Text: r.replies.Format("no_cases", label)}, nil
	}
	header := r.replies.Format("case_list_header", label)
	return botslack.Reply{Text: header, Blocks: caseListBlocks(header, found)}, nil
}

func (r *Router) show(ctx context.Context, s *session, req request) (botslack.Reply, error) {
	c, err := s.repo.GetSingle(ctx, cases.Criteria{RecordType: req.recordType, CaseNumber: req.number})
	if err != nil {
		return botslack.Reply{}, err
	}
	var note string
	if req.recordType != cases.AnyType && !c.RecordTypeMatch {
		note = r.replies.Format("type_mismatch", c.CaseNumber, c.RecordType, req.recordType)
	}
	text := caseTitle(*c)
	if note != "" {
		text = note + "\n" + text
	}
	return botslack.Reply{Text: text, Blocks: caseDetailBlocks(*c, note)}, nil
}

func (r *Router) comments(ctx context.Context, s *session, req request) (botslack.Reply, error) {
	id, err := s.repo.CaseIDByNumber(ctx, req.number)
	if err != nil {
		return botslack.Reply{}, err
	}
	thread, err := s.feed.ViewThread(ctx, id, s.handle.ExternalUserID())
	if err != nil {
		return botslack.Reply{}, err
	}
	if len(thread) == 0 {
		return botslack.Reply{Text: r.replies.Format("no_comments", req.number)}, nil
	}
	// Avatar URLs embed the reader's session token.
	header := r.replies.Format("thread_header", req.number)
	return botslack.Reply{Text: header, Blocks: threadBlocks(header, s.repo.DetailURL(id), thread), Ephemeral: true}, nil
}

func (r *Router) knowledge(ctx context.Context, s *session, req request) (botslack.Reply, error) {
	articles, err := s.repo.KnowledgeArticles(ctx, req.text)
	if err != nil {
		return botslack.Reply{}, err
	}
	if len(articles) == 0 {
		return botslack.Reply{Text: r.replies.Format("no_articles", req.text)}, nil
	}
	header := r.replies.Format("articles_header", req.text)
	return botslack.Reply{Text: header, Blocks: articleBlocks(header, articles)}, nil
}

func (r *Router) parseErrorReply(err error) botslack.Reply {
	var (
		usage   *usageError
		unknown *unknownError
	)
	switch {
	case errors.As(err, &usage):
		return botslack.Reply{Text: r.replies.Format("usage_error", "`"+usage.usage+"`"), Ephemeral: true}
	case errors.As(err, &unknown):
		return botslack.Reply{Text: r.replies.Format("unknown_command", unknown.word), Ephemeral: true}
	default:
		return botslack.Reply{Text: r.replies.Get("empty_command"), Ephemeral: true}
	}
}

// errorReply maps a core error to what the user sees. Only unexpected
// errors are logged at error level.
func (r *Router) errorReply(log *zap.Logger, req request, err error) botslack.Reply {
	switch apperr.KindOf(err) {
	case apperr.KindAuthenticationRequired:
		return botslack.Reply{Text: err.Error(), Ephemeral: true}
	case apperr.KindNotFound:
		return botslack.Reply{Text: r.replies.Format("not_found", describe(req)), Ephemeral: true}
	case apperr.KindExternalWrite:
		cause := err
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Err != nil {
			cause = ae.Err
		}
		log.Warn("salesforce rejected write", zap.Error(err))
		return botslack.Reply{Text: r.replies.Format("write_failed", cause.Error()), Ephemeral: true}
	case apperr.KindAggregation:
		log.Warn("thread aggregation failed", zap.Error(err))
		return botslack.Reply{Text: r.replies.Get("thread_failed"), Ephemeral: true}
	}
	log.Error("command failed", zap.String("verb", string(req.verb)), zap.Error(err))
	return botslack.Reply{Text: r.replies.Get("system_error"), Ephemeral: true}
}

func describe(req request) string {
	switch {
	case req.number != "":
		return "case " + req.number
	case req.verb == verbCreate:
		return "your Salesforce user"
	default:
		return "a match"
	}
}

func typeLabel(rt cases.RecordType) string {
	if rt == cases.AnyType {
		return "matching"
	}
	return rt.String()
}
