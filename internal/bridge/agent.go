// Package bridge connects ACP clients to the conversation engine. It owns
// the per-prompt translation loop, permission round-trips and the single
// delivery path for session updates.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/cola-io/codex-acp/internal/auth"
	"github.com/cola-io/codex-acp/internal/common/config"
	apperrors "github.com/cola-io/codex-acp/internal/common/errors"
	"github.com/cola-io/codex-acp/internal/common/logger"
	"github.com/cola-io/codex-acp/internal/engine"
	"github.com/cola-io/codex-acp/internal/session"
	"github.com/cola-io/codex-acp/internal/tracing"
	"github.com/cola-io/codex-acp/pkg/codex"
)

// Auth method ids advertised in initialize.
const (
	AuthChatGPT        = "chatgpt"
	AuthAPIKey         = "apikey"
	AuthCustomProvider = "custom_provider"
)

const publishTimeout = 30 * time.Second

// ErrNotConnected is returned when a client-bound call is made before
// Connect.
var ErrNotConnected = errors.New("no client connection")

// ClientConn is the part of the ACP client connection the bridge calls.
// *acp.AgentSideConnection satisfies it.
type ClientConn interface {
	SessionUpdater
	PermissionRequester
	ReadTextFile(ctx context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error)
	WriteTextFile(ctx context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error)
}

// FSBridge describes the filesystem bridge MCP server handed to every new
// conversation.
type FSBridge interface {
	MCPServer(secondaryID string) engine.McpServer
}

// Deps are the collaborators of an Agent. FSBridge is optional.
type Deps struct {
	Engine   engine.Engine
	Store    *session.Store
	Notifier *Notifier
	Codex    *config.CodexSource
	Auth     *auth.Store
	FSBridge FSBridge
	Version  string
}

// Agent implements the ACP agent side on top of the conversation engine.
type Agent struct {
	engine   engine.Engine
	store    *session.Store
	notifier *Notifier
	codex    *config.CodexSource
	auth     *auth.Store
	fsBridge FSBridge
	version  string
	logger   *logger.Logger

	mu          sync.RWMutex
	client      ClientConn
	permissions *Correlator
	clientCaps  acp.ClientCapabilities
}

var (
	_ acp.Agent             = (*Agent)(nil)
	_ acp.AgentLoader       = (*Agent)(nil)
	_ acp.AgentExperimental = (*Agent)(nil)
)

// New creates an agent. Call Connect before serving requests.
func New(deps Deps, log *logger.Logger) *Agent {
	return &Agent{
		engine:   deps.Engine,
		store:    deps.Store,
		notifier: deps.Notifier,
		codex:    deps.Codex,
		auth:     deps.Auth,
		fsBridge: deps.FSBridge,
		version:  deps.Version,
		logger:   log.WithFields(zap.String("component", "agent")),
	}
}

// Connect binds the agent to its client connection.
func (a *Agent) Connect(client ClientConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = client
	a.permissions = NewCorrelator(client, a.logger)
}

func (a *Agent) correlator() (*Correlator, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.permissions == nil {
		return nil, ErrNotConnected
	}
	return a.permissions, nil
}

func (a *Agent) capabilities() acp.ClientCapabilities {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clientCaps
}

// Initialize records the client's capabilities and advertises ours.
func (a *Agent) Initialize(ctx context.Context, req acp.InitializeRequest) (acp.InitializeResponse, error) {
	a.mu.Lock()
	a.clientCaps = req.ClientCapabilities
	a.mu.Unlock()

	a.logger.Info("client initialized",
		zap.Int("protocol_version", int(req.ProtocolVersion)),
		zap.Bool("fs_read", req.ClientCapabilities.Fs.ReadTextFile),
		zap.Bool("fs_write", req.ClientCapabilities.Fs.WriteTextFile),
		zap.Bool("terminal", req.ClientCapabilities.Terminal))

	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
			PromptCapabilities: acp.PromptCapabilities{
				Image:           true,
				Audio:           false,
				EmbeddedContext: true,
			},
			McpCapabilities: acp.McpCapabilities{
				Http: true,
				Sse:  true,
			},
		},
		AuthMethods: a.authMethods(),
		AgentInfo: &acp.Implementation{
			Name:    "codex-acp",
			Version: a.version,
		},
	}, nil
}

func (a *Agent) authMethods() []acp.AuthMethod {
	methods := []acp.AuthMethod{
		{Id: AuthChatGPT, Name: "ChatGPT", Description: ptr("Sign in with ChatGPT to use your plan")},
		{Id: AuthAPIKey, Name: "OpenAI API Key", Description: ptr("Use OPENAI_API_KEY from environment or auth.json")},
	}
	cfg := a.codex.Current()
	if cfg.IsCustomProvider() {
		methods = append(methods, acp.AuthMethod{
			Id:          AuthCustomProvider,
			Name:        cfg.ProviderDisplayName(cfg.ModelProvider),
			Description: ptr(fmt.Sprintf("Authenticate with custom provider: %s", cfg.ModelProvider)),
		})
	}
	return methods
}

// Authenticate checks that credentials for the chosen method exist. It
// never prompts; logging in happens outside the bridge.
func (a *Agent) Authenticate(ctx context.Context, req acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	method := string(req.MethodId)
	if err := a.authenticate(method); err != nil {
		a.logger.Warn("authentication failed", zap.String("method", method), zap.Error(err))
		return acp.AuthenticateResponse{}, apperrors.ToRequestError(err)
	}
	a.logger.Info("authenticated", zap.String("method", method))
	return acp.AuthenticateResponse{}, nil
}

func (a *Agent) authenticate(method string) error {
	switch method {
	case AuthAPIKey:
		creds, err := a.auth.Load()
		if err != nil || !creds.Any() {
			return apperrors.AuthRequired("Failed to load API key auth")
		}
		return nil
	case AuthChatGPT:
		creds, err := a.auth.Load()
		if err != nil || creds.Mode != auth.ModeChatGPT {
			return apperrors.AuthRequired("ChatGPT login not found. Run `codex login` to connect your plan.")
		}
		return nil
	case AuthCustomProvider:
		cfg := a.codex.Current()
		if !cfg.IsCustomProvider() {
			return apperrors.InvalidParams("Custom provider auth method is only available for custom providers")
		}
		provider, ok := cfg.Provider()
		if !ok {
			return apperrors.AuthRequired(fmt.Sprintf("Custom provider '%s' is not configured in model_providers", cfg.ModelProvider))
		}
		if provider.EnvKey == "" || a.auth.HasEnv(provider.EnvKey) {
			return nil
		}
		if creds, err := a.auth.Load(); err == nil && creds.Any() {
			return nil
		}
		return apperrors.AuthRequired(fmt.Sprintf(
			"Custom provider '%s' requires authentication. Please configure API credentials in your Codex config.",
			cfg.ModelProvider))
	default:
		return apperrors.InvalidParams("unknown auth method: %s", method)
	}
}

// NewSession starts an engine conversation and registers it in the store.
func (a *Agent) NewSession(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	ctx, span := tracing.StartRequest(ctx, "session/new", "")
	resp, err := a.newSession(ctx, req)
	tracing.EndWithError(span, err)
	return resp, apperrors.ToRequestError(err)
}

func (a *Agent) newSession(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	cfg := a.codex.Current()
	preset, ok := session.MatchPreset(codex.AskForApproval(cfg.ApprovalPolicy), codex.SandboxMode(cfg.SandboxMode))
	if !ok {
		preset = session.DefaultPreset()
		a.logger.Info("configured policies match no mode, using default",
			zap.String("approval_policy", cfg.ApprovalPolicy),
			zap.String("sandbox_mode", cfg.SandboxMode),
			zap.String("mode", preset.ID))
	}

	secondaryID := uuid.New().String()
	servers := mcpServers(req.McpServers)
	if a.fsBridge != nil {
		servers = append(servers, a.fsBridge.MCPServer(secondaryID))
	}

	started, err := a.engine.NewConversation(ctx, engine.ConversationOptions{
		Cwd:             req.Cwd,
		Model:           cfg.Model,
		ModelProvider:   cfg.ModelProvider,
		ApprovalPolicy:  preset.Approval,
		SandboxMode:     preset.Sandbox.Mode,
		ReasoningEffort: codex.ReasoningEffort(cfg.ModelReasoningEffort),
		McpServers:      servers,
	})
	if err != nil {
		return acp.NewSessionResponse{}, apperrors.EngineFailure("start conversation", err)
	}

	effort := started.ReasoningEffort
	if effort == "" {
		effort = codex.ReasoningEffort(cfg.ModelReasoningEffort)
	}
	sess, err := a.store.Create(session.Session{
		PrimaryID:       started.ID,
		SecondaryID:     secondaryID,
		Cwd:             req.Cwd,
		Engine:          started.Conversation,
		ApprovalPolicy:  preset.Approval,
		SandboxPolicy:   preset.Sandbox,
		ModeID:          preset.ID,
		ModelID:         initialModelID(cfg, started.Model),
		ReasoningEffort: effort,
	})
	if err != nil {
		return acp.NewSessionResponse{}, fmt.Errorf("register session: %w", err)
	}

	a.logger.WithSessionID(sess.PrimaryID).Info("session created",
		zap.String("cwd", sess.Cwd),
		zap.String("mode", sess.ModeID),
		zap.String("model", sess.ModelID),
		zap.Int("mcp_servers", len(servers)))

	go a.publishCommands(sess.PrimaryID)

	return acp.NewSessionResponse{
		SessionId: acp.SessionId(sess.PrimaryID),
		Modes:     modeState(sess),
		Models:    modelState(cfg, sess),
	}, nil
}

// publishCommands advertises the slash commands once the session exists.
func (a *Agent) publishCommands(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	update := acp.SessionUpdate{
		AvailableCommandsUpdate: &acp.SessionAvailableCommandsUpdate{
			AvailableCommands: AvailableCommands(),
		},
	}
	if err := a.notifier.Send(ctx, sessionID, update); err != nil {
		a.logger.WithSessionID(sessionID).Warn("failed to publish commands", zap.Error(err))
	}
}

// LoadSession reattaches to a session created by this process.
func (a *Agent) LoadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	ctx, span := tracing.StartRequest(ctx, "session/load", string(req.SessionId))
	resp, err := a.loadSession(ctx, req)
	tracing.EndWithError(span, err)
	return resp, apperrors.ToRequestError(err)
}

func (a *Agent) loadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	sess, ok := a.store.Resolve(string(req.SessionId))
	if !ok {
		return acp.LoadSessionResponse{}, apperrors.SessionNotFound(string(req.SessionId))
	}
	if _, err := a.store.GetOrLoadEngineHandle(ctx, sess.PrimaryID); err != nil {
		return acp.LoadSessionResponse{}, err
	}
	a.logger.WithSessionID(sess.PrimaryID).Info("session loaded")
	return acp.LoadSessionResponse{
		Modes:  modeState(sess),
		Models: modelState(a.codex.Current(), sess),
	}, nil
}

// SetSessionMode switches approval and sandbox policy to a preset while
// keeping the session's model and effort.
func (a *Agent) SetSessionMode(ctx context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	ctx, span := tracing.StartRequest(ctx, "session/set_mode", string(req.SessionId))
	err := a.setSessionMode(ctx, string(req.SessionId), string(req.ModeId))
	tracing.EndWithError(span, err)
	return acp.SetSessionModeResponse{}, apperrors.ToRequestError(err)
}

func (a *Agent) setSessionMode(ctx context.Context, sessionID, modeID string) error {
	preset, ok := session.FindPreset(modeID)
	if !ok {
		return apperrors.InvalidParams("invalid mode id")
	}

	err := a.store.Apply(ctx, sessionID, func(ctx context.Context, sess session.Session) (func(*session.Session), error) {
		conv, err := a.store.GetOrLoadEngineHandle(ctx, sess.PrimaryID)
		if err != nil {
			return nil, err
		}
		sandbox := preset.Sandbox
		op := codex.OverrideTurnContext{
			ApprovalPolicy: &preset.Approval,
			SandboxPolicy:  &sandbox,
			Model:          engineModel(sess.ModelID),
			Effort:         effortOrNil(sess.ReasoningEffort),
		}
		if _, err := a.submit(ctx, sess.PrimaryID, conv, op); err != nil {
			return nil, err
		}
		return func(s *session.Session) {
			s.ApprovalPolicy = preset.Approval
			s.SandboxPolicy = preset.Sandbox
			s.ModeID = preset.ID
		}, nil
	})
	if err != nil {
		return err
	}
	a.logger.WithSessionID(sessionID).Info("session mode changed", zap.String("mode", preset.ID))
	return nil
}

// SetSessionModel switches to another custom provider model while keeping
// the session's approval and sandbox policy.
func (a *Agent) SetSessionModel(ctx context.Context, req acp.SetSessionModelRequest) (acp.SetSessionModelResponse, error) {
	ctx, span := tracing.StartRequest(ctx, "session/set_model", string(req.SessionId))
	err := a.setSessionModel(ctx, string(req.SessionId), string(req.ModelId))
	tracing.EndWithError(span, err)
	return acp.SetSessionModelResponse{}, apperrors.ToRequestError(err)
}

func (a *Agent) setSessionModel(ctx context.Context, sessionID, modelID string) error {
	cfg := a.codex.Current()
	if !cfg.IsCustomProvider() {
		return apperrors.InvalidParams("set_session_model is only available when using a custom provider. Current provider is a builtin provider.")
	}
	choice, ok := parseModelID(cfg, modelID)
	if !ok {
		return apperrors.InvalidParams("invalid model id format or provider/model not found")
	}
	if choice.Provider == config.DefaultProviderID {
		return apperrors.InvalidParams("Cannot switch to a builtin provider model. Only custom provider models are allowed.")
	}

	err := a.store.Apply(ctx, sessionID, func(ctx context.Context, sess session.Session) (func(*session.Session), error) {
		conv, err := a.store.GetOrLoadEngineHandle(ctx, sess.PrimaryID)
		if err != nil {
			return nil, err
		}
		approval, sandbox := sess.ApprovalPolicy, sess.SandboxPolicy
		op := codex.OverrideTurnContext{
			ApprovalPolicy: &approval,
			SandboxPolicy:  &sandbox,
			Model:          &choice.Model,
			Effort:         effortOrNil(choice.Effort),
		}
		if _, err := a.submit(ctx, sess.PrimaryID, conv, op); err != nil {
			return nil, err
		}
		return func(s *session.Session) {
			s.ModelID = choice.ID()
			s.ReasoningEffort = choice.Effort
		}, nil
	})
	if err != nil {
		return err
	}
	a.logger.WithSessionID(sessionID).Info("session model changed",
		zap.String("model", choice.ID()),
		zap.String("effort", string(choice.Effort)))
	return nil
}

// Cancel interrupts the running turn. The turn itself ends when the engine
// reports the abort.
func (a *Agent) Cancel(ctx context.Context, req acp.CancelNotification) error {
	sessionID := string(req.SessionId)
	log := a.logger.WithSessionID(sessionID)

	sess, ok := a.store.Resolve(sessionID)
	if !ok {
		log.Warn("cancel for unknown session")
		return apperrors.ToRequestError(apperrors.SessionNotFound(sessionID))
	}
	conv, err := a.store.GetOrLoadEngineHandle(ctx, sess.PrimaryID)
	if err != nil {
		return apperrors.ToRequestError(err)
	}
	if _, err := a.submit(ctx, sess.PrimaryID, conv, codex.Interrupt{}); err != nil {
		log.Error("failed to interrupt turn", zap.Error(err))
		return apperrors.ToRequestError(err)
	}
	if c, err := a.correlator(); err == nil {
		if n := c.DropSession(sess.PrimaryID); n > 0 {
			log.Info("dropped pending permission requests", zap.Int("count", n))
		}
	}
	log.Info("turn interrupt requested")
	return nil
}

// ExtMethod answers extension requests with a fixed placeholder.
func (a *Agent) ExtMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	a.logger.Debug("extension method", zap.String("method", method), zap.Int("params_bytes", len(params)))
	return map[string]string{"example": "response"}, nil
}

// ExtNotification accepts and ignores extension notifications.
func (a *Agent) ExtNotification(ctx context.Context, method string, params json.RawMessage) error {
	a.logger.Debug("extension notification", zap.String("method", method))
	return nil
}

// submit sends op to conv under an engine.submit span.
func (a *Agent) submit(ctx context.Context, sessionID string, conv engine.Conversation, op codex.Op) (string, error) {
	ctx, span := tracing.StartSubmit(ctx, sessionID, op.OpType())
	id, err := conv.Submit(ctx, op)
	if err == nil {
		span.SetAttributes(attribute.String("submission_id", id))
	}
	tracing.EndWithError(span, err)
	if err != nil {
		return "", apperrors.EngineFailure("submit "+op.OpType(), err)
	}
	a.logger.WithSessionID(sessionID).Debug("op submitted",
		zap.String("op", op.OpType()),
		zap.String("submission_id", id))
	return id, nil
}

func modeState(sess session.Session) *acp.SessionModeState {
	presets := session.Presets()
	modes := make([]acp.SessionMode, 0, len(presets))
	for _, p := range presets {
		modes = append(modes, acp.SessionMode{
			Id:          acp.SessionModeId(p.ID),
			Name:        p.Label,
			Description: ptr(p.Description),
		})
	}
	return &acp.SessionModeState{
		CurrentModeId:  acp.SessionModeId(sess.ModeID),
		AvailableModes: modes,
	}
}

func mcpServers(servers []acp.McpServer) []engine.McpServer {
	out := make([]engine.McpServer, 0, len(servers)+1)
	for _, srv := range servers {
		switch {
		case srv.Stdio != nil:
			env := make(map[string]string, len(srv.Stdio.Env))
			for _, kv := range srv.Stdio.Env {
				env[kv.Name] = kv.Value
			}
			out = append(out, engine.McpServer{
				Name:    srv.Stdio.Name,
				Command: srv.Stdio.Command,
				Args:    append([]string(nil), srv.Stdio.Args...),
				Env:     env,
			})
		case srv.Http != nil:
			out = append(out, engine.McpServer{
				Name:    srv.Http.Name,
				URL:     srv.Http.Url,
				Headers: headerMap(srv.Http.Headers),
			})
		case srv.Sse != nil:
			out = append(out, engine.McpServer{
				Name:    srv.Sse.Name,
				URL:     srv.Sse.Url,
				Headers: headerMap(srv.Sse.Headers),
			})
		}
	}
	return out
}

func headerMap(headers []acp.HttpHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Name] = h.Value
	}
	return out
}

func effortOrNil(e codex.ReasoningEffort) *codex.ReasoningEffort {
	if e == "" {
		return nil
	}
	return &e
}

func ptr[T any](v T) *T { return &v }
