package bkennet

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"bkennet/internal/fetch"
	"bkennet/internal/oauth"
	"bkennet/internal/task"
	"bkennet/internal/transport"
)

// Visibility selects whether a created game is discoverable via list_games.
type Visibility int

const (
	Public Visibility = iota
	Private
)

func (v Visibility) String() string {
	if v == Private {
		return "private"
	}
	return "public"
}

// CreateGameOptions parametrises create_game.
type CreateGameOptions struct {
	Visibility    Visibility
	MaxNumPlayers int
	Data          string
}

// presence sub-protocol (§3 "PLAYER_JOINED / PLAYER_LEFT (supplemented)"):
// a one-byte message type followed by a big-endian peer ID, carried over
// the unreliable channel. Hosts that never emit these bytes never see them
// synthesized back; RO and the transport façade are unaware of this layer.
const (
	presenceAnnounce byte = 0x01
	presenceLeave    byte = 0x02
)

// opSlot holds the single in-flight task for one of the session's four
// logical operations, plus the event it produced once finished.
type opSlot struct {
	task   *task.Task
	result *Event
}

// begin cancels and drains any task already occupying the slot, then starts
// entry with one initial resume.
func (s *opSlot) begin(entry task.Entry) {
	s.end()
	s.result = nil
	s.task = task.New(entry)
	s.task.Resume()
}

func (s *opSlot) end() {
	if s.task != nil {
		s.task.End()
		s.task = nil
	}
}

func (s *opSlot) process() {
	if s.task != nil && s.task.Alive() {
		s.task.Resume()
	}
}

func (s *opSlot) reap() (Event, bool) {
	if s.task != nil && !s.task.Alive() && s.result != nil {
		ev := *s.result
		s.result = nil
		return ev, true
	}
	return Event{}, false
}

func (s *opSlot) post(ev Event) {
	s.result = &ev
}

// Session is the top-level state machine: authentication, lobby state, the
// four task slots, and at most one active transport.
type Session struct {
	cfg normalized

	authState  AuthState
	lobbyState LobbyState
	cookie     []byte

	localPeerID uint16

	auth       opSlot
	createGame opSlot
	joinGame   opSlot
	listGames  opSlot

	tf               transport.Backend
	tfDisconnectSeen bool

	closed bool
}

// New validates cfg and constructs a Session. The session owns no network
// resources until an operation is issued against it.
func New(cfg Configuration) (*Session, error) {
	n, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	return &Session{
		cfg:         n,
		authState:   Unauthorized,
		lobbyState:  InLobby,
		localPeerID: binary.BigEndian.Uint16(id[:2]),
	}, nil
}

// Close tears down all tasks and any active transport. The Session must not
// be used afterward.
func (sess *Session) Close() {
	if sess.closed {
		return
	}
	sess.auth.end()
	sess.createGame.end()
	sess.joinGame.end()
	sess.listGames.end()
	sess.teardownTransport()
	sess.closed = true
}

func (sess *Session) logf(format string, args ...any) {
	if sess.cfg.logger != nil {
		sess.cfg.logger.Logf(format, args...)
	}
}

// Update resumes each of the four task slots at most once, in fixed order,
// then ticks the active transport (if any).
func (sess *Session) Update(now time.Time) {
	if sess.closed {
		return
	}
	sess.auth.process()
	sess.createGame.process()
	sess.joinGame.process()
	sess.listGames.process()
	if sess.tf != nil {
		sess.tf.Update(now)
	}
}

// AuthState reports the current authentication state.
func (sess *Session) AuthState() AuthState { return sess.authState }

// LobbyState reports the current lobby state.
func (sess *Session) LobbyState() LobbyState { return sess.lobbyState }

// NextEvent drains one event: the four task slots in fixed order, then a
// transport message (or a synthesized presence event per §3), then a
// synthetic DISCONNECTED if the transport just dropped.
func (sess *Session) NextEvent() (Event, bool) {
	if ev, ok := sess.auth.reap(); ok {
		return ev, true
	}
	if ev, ok := sess.createGame.reap(); ok {
		return ev, true
	}
	if ev, ok := sess.joinGame.reap(); ok {
		return ev, true
	}
	if ev, ok := sess.listGames.reap(); ok {
		return ev, true
	}

	if sess.tf != nil {
		if payload, ok := sess.tf.Recv(); ok {
			if ev, ok := decodePresence(payload); ok {
				return ev, true
			}
			return Event{Type: Message, Status: OK, Payload: payload}, true
		}
		if sess.tf.State() == transport.Disconnected && !sess.tfDisconnectSeen {
			sess.tfDisconnectSeen = true
			sess.teardownTransport()
			sess.lobbyState = InLobby
			return Event{Type: Disconnected, Status: ErrIO, Reason: "transport disconnected"}, true
		}
	}

	return Event{}, false
}

func decodePresence(payload []byte) (Event, bool) {
	if len(payload) != 3 {
		return Event{}, false
	}
	peerID := binary.BigEndian.Uint16(payload[1:3])
	switch payload[0] {
	case presenceAnnounce:
		return Event{Type: PlayerJoined, Status: OK, PeerID: peerID}, true
	case presenceLeave:
		return Event{Type: PlayerLeft, Status: OK, PeerID: peerID}, true
	default:
		return Event{}, false
	}
}

func (sess *Session) teardownTransport() {
	if sess.tf == nil {
		return
	}
	sess.tf.Cleanup()
	sess.tf = nil
}

// bearerHeader builds the Authorization header carried on every
// authenticated lobby call.
func (sess *Session) bearerHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + string(sess.cookie)}
}

// --- auth operations ---

// LoginWithCookie posts cookie to <path>/auth/cookie and, on 200, adopts
// the response body as the new session cookie.
func (sess *Session) LoginWithCookie(cookie []byte) {
	cookie = append([]byte(nil), cookie...)
	sess.auth.begin(sess.cookieLoginEntry(cookie))
}

// LoginWithItchio drives the OAuth sub-module against the itch.io-shaped
// start/end endpoints.
func (sess *Session) LoginWithItchio() {
	start := sess.cfg.baseURL() + "/auth/itchio/start"
	end := sess.cfg.baseURL() + "/auth/itchio/end"
	sess.auth.begin(sess.oauthLoginEntry(start, end))
}

// LoginWithSteam drives the same OAuth machinery as LoginWithItchio against
// the Steam-shaped start/end endpoints (§4.5 "login_with_steam
// (supplemented)").
func (sess *Session) LoginWithSteam() {
	start := sess.cfg.baseURL() + "/auth/steam/start"
	end := sess.cfg.baseURL() + "/auth/steam/end"
	sess.auth.begin(sess.oauthLoginEntry(start, end))
}

const maxCookieBytes = 1023

func (sess *Session) cookieLoginEntry(cookie []byte) task.Entry {
	return func(t *task.Task) {
		sess.authState = Authorizing

		h, err := fetch.Begin(context.Background(), fetch.Options{
			Method:      http.MethodPost,
			URL:         sess.cfg.baseURL() + "/auth/cookie",
			Body:        cookie,
			InsecureTLS: sess.cfg.insecureTLS,
		})
		if err != nil {
			sess.logf("[se] login_with_cookie: begin: %v", err)
			sess.authState = Unauthorized
			sess.auth.post(Event{Type: LoginFinished, Status: ErrIO})
			return
		}
		defer h.End()

		for {
			switch h.Poll() {
			case fetch.Pending:
				if t.Yield() {
					return
				}
			case fetch.Errored:
				sess.logf("[se] login_with_cookie: %v", h.Err())
				sess.authState = Unauthorized
				sess.auth.post(Event{Type: LoginFinished, Status: ErrIO})
				return
			case fetch.Finished:
				body := append([]byte(nil), h.ResponseBody()...)
				if h.StatusCode() != http.StatusOK {
					sess.authState = Unauthorized
					sess.auth.post(Event{Type: LoginFinished, Status: ErrRejected, Body: body})
					return
				}
				if len(body) > maxCookieBytes {
					sess.authState = Unauthorized
					sess.auth.post(Event{Type: LoginFinished, Status: ErrIO})
					return
				}
				sess.cookie = body
				sess.authState = Authorized
				sess.auth.post(Event{Type: LoginFinished, Status: OK, Cookie: body})
				return
			}
		}
	}
}

func (sess *Session) oauthLoginEntry(startURL, endURL string) task.Entry {
	return func(t *task.Task) {
		sess.authState = Authorizing

		h, err := oauth.Begin(oauth.Config{StartURL: startURL, EndURL: endURL}, sess.cfg.logger)
		if err != nil {
			sess.logf("[se] oauth login: begin: %v", err)
			sess.authState = Unauthorized
			sess.auth.post(Event{Type: LoginFinished, Status: ErrIO})
			return
		}
		defer h.End()

		for {
			status := h.Update()
			if status == oauth.Pending {
				if t.Yield() {
					return
				}
				continue
			}
			data, _ := h.Data()
			if status == oauth.Success {
				sess.cookie = data
				sess.authState = Authorized
				sess.auth.post(Event{Type: LoginFinished, Status: OK, Cookie: data})
			} else {
				sess.authState = Unauthorized
				sess.auth.post(Event{Type: LoginFinished, Status: ErrRejected, Body: data})
			}
			return
		}
	}
}

// --- lobby operations ---

type createGameRequest struct {
	Visibility    string `json:"visibility"`
	MaxNumPlayers int    `json:"max_num_players"`
	Data          string `json:"data,omitempty"`
}

type createGameResponse struct {
	JoinToken string `json:"join_token"`
	Creator   string `json:"creator"`
	Data      string `json:"data"`
}

// CreateGame requires AuthState() == Authorized. Posts options to
// <path>/game/create and reports CreateGameFinished.
func (sess *Session) CreateGame(opts CreateGameOptions) {
	sess.createGame.begin(sess.createGameEntry(opts))
}

func (sess *Session) createGameEntry(opts CreateGameOptions) task.Entry {
	return func(t *task.Task) {
		sess.lobbyState = CreatingGame

		body, err := json.Marshal(createGameRequest{
			Visibility:    opts.Visibility.String(),
			MaxNumPlayers: opts.MaxNumPlayers,
			Data:          opts.Data,
		})
		if err != nil {
			sess.lobbyState = InLobby
			sess.createGame.post(Event{Type: CreateGameFinished, Status: ErrIO})
			return
		}

		h, err := fetch.Begin(context.Background(), fetch.Options{
			Method:      http.MethodPost,
			URL:         sess.cfg.baseURL() + "/game/create",
			Body:        body,
			Headers:     sess.bearerHeader(),
			InsecureTLS: sess.cfg.insecureTLS,
		})
		if err != nil {
			sess.lobbyState = InLobby
			sess.createGame.post(Event{Type: CreateGameFinished, Status: ErrIO})
			return
		}
		defer h.End()

		for {
			switch h.Poll() {
			case fetch.Pending:
				if t.Yield() {
					return
				}
			case fetch.Errored:
				sess.lobbyState = InLobby
				sess.createGame.post(Event{Type: CreateGameFinished, Status: ErrIO})
				return
			case fetch.Finished:
				sess.lobbyState = InLobby
				respBody := append([]byte(nil), h.ResponseBody()...)
				if h.StatusCode() != http.StatusOK {
					sess.createGame.post(Event{Type: CreateGameFinished, Status: ErrRejected, Body: respBody})
					return
				}
				var parsed createGameResponse
				if err := json.Unmarshal(respBody, &parsed); err != nil {
					sess.createGame.post(Event{Type: CreateGameFinished, Status: ErrIO})
					return
				}
				info := GameInfo{
					JoinToken: []byte(parsed.JoinToken),
					Creator:   []byte(parsed.Creator),
					Data:      []byte(parsed.Data),
				}
				sess.createGame.post(Event{Type: CreateGameFinished, Status: OK, Game: info})
				return
			}
		}
	}
}

type listGamesEntry struct {
	Creator   string `json:"creator"`
	JoinToken string `json:"join_token"`
	Data      string `json:"data"`
}

type listGamesResponse struct {
	Games []listGamesEntry `json:"games"`
}

// ListGames GETs <path>/game/list and reports ListGamesFinished.
func (sess *Session) ListGames() {
	sess.listGames.begin(sess.listGamesEntry())
}

func (sess *Session) listGamesEntry() task.Entry {
	return func(t *task.Task) {
		sess.lobbyState = ListingGames

		h, err := fetch.Begin(context.Background(), fetch.Options{
			Method:      http.MethodGet,
			URL:         sess.cfg.baseURL() + "/game/list",
			Headers:     sess.bearerHeader(),
			InsecureTLS: sess.cfg.insecureTLS,
		})
		if err != nil {
			sess.lobbyState = InLobby
			sess.listGames.post(Event{Type: ListGamesFinished, Status: ErrIO})
			return
		}
		defer h.End()

		for {
			switch h.Poll() {
			case fetch.Pending:
				if t.Yield() {
					return
				}
			case fetch.Errored:
				sess.lobbyState = InLobby
				sess.listGames.post(Event{Type: ListGamesFinished, Status: ErrIO})
				return
			case fetch.Finished:
				sess.lobbyState = InLobby
				respBody := append([]byte(nil), h.ResponseBody()...)
				if h.StatusCode() != http.StatusOK {
					sess.listGames.post(Event{Type: ListGamesFinished, Status: ErrRejected, Body: respBody})
					return
				}
				var parsed listGamesResponse
				if err := json.Unmarshal(respBody, &parsed); err != nil {
					sess.listGames.post(Event{Type: ListGamesFinished, Status: ErrIO})
					return
				}
				games := lo.Map(parsed.Games, func(g listGamesEntry, _ int) GameInfo {
					return GameInfo{
						JoinToken: []byte(g.JoinToken),
						Creator:   []byte(g.Creator),
						Data:      []byte(g.Data),
					}
				})
				sess.listGames.post(Event{Type: ListGamesFinished, Status: OK, Games: games})
				return
			}
		}
	}
}

const connectTimeout = 10 * time.Second

// JoinGame requires AuthState() == Authorized. Posts joinToken to
// <path>/game/join, then dials the transport the server hands back and
// reports JoinGameFinished once it settles.
func (sess *Session) JoinGame(joinToken []byte) {
	joinToken = append([]byte(nil), joinToken...)
	sess.joinGame.begin(sess.joinGameEntry(joinToken))
}

func (sess *Session) joinGameEntry(joinToken []byte) task.Entry {
	return func(t *task.Task) {
		sess.lobbyState = JoiningGame

		url := fmt.Sprintf("%s/game/join?transport=%s", sess.cfg.baseURL(), sess.cfg.transportQueryParam())
		h, err := fetch.Begin(context.Background(), fetch.Options{
			Method:      http.MethodPost,
			URL:         url,
			Body:        joinToken,
			Headers:     sess.bearerHeader(),
			InsecureTLS: sess.cfg.insecureTLS,
		})
		if err != nil {
			sess.lobbyState = InLobby
			sess.joinGame.post(Event{Type: JoinGameFinished, Status: ErrIO})
			return
		}
		defer h.End()

		var configBytes []byte
		for {
			switch h.Poll() {
			case fetch.Pending:
				if t.Yield() {
					return
				}
				continue
			case fetch.Errored:
				sess.lobbyState = InLobby
				sess.joinGame.post(Event{Type: JoinGameFinished, Status: ErrIO})
				return
			case fetch.Finished:
				respBody := h.ResponseBody()
				if h.StatusCode() != http.StatusOK {
					sess.lobbyState = InLobby
					sess.joinGame.post(Event{Type: JoinGameFinished, Status: ErrRejected, Body: append([]byte(nil), respBody...)})
					return
				}
				configBytes = append([]byte(nil), respBody...)
			}
			break
		}

		tf := transport.New(sess.cfg.transportBackendKind(), sess.cfg.logger)
		// The context given to Init bounds the transport's whole lifetime, so it
		// must outlive this task; connectTimeout is enforced in the loop below.
		if err := tf.Init(context.Background(), configBytes, sess.cfg.insecureTLS); err != nil {
			sess.lobbyState = InLobby
			sess.joinGame.post(Event{Type: JoinGameFinished, Status: ErrIO})
			return
		}

		deadline := time.Now().Add(connectTimeout)
		for {
			switch tf.State() {
			case transport.Connected:
				sess.tf = tf
				sess.tfDisconnectSeen = false
				sess.lobbyState = JoinedGame
				sess.announcePresence(presenceAnnounce)
				sess.joinGame.post(Event{Type: JoinGameFinished, Status: OK})
				return
			case transport.Disconnected:
				tf.Cleanup()
				sess.lobbyState = InLobby
				sess.joinGame.post(Event{Type: JoinGameFinished, Status: ErrIO})
				return
			default:
				if time.Now().After(deadline) {
					tf.Cleanup()
					sess.lobbyState = InLobby
					sess.joinGame.post(Event{Type: JoinGameFinished, Status: ErrIO})
					return
				}
				if t.Yield() {
					tf.Cleanup()
					return
				}
			}
		}
	}
}

func (sess *Session) announcePresence(kind byte) {
	if sess.tf == nil {
		return
	}
	frame := make([]byte, 3)
	frame[0] = kind
	binary.BigEndian.PutUint16(frame[1:], sess.localPeerID)
	if err := sess.tf.Send(frame, false); err != nil {
		sess.logf("[se] presence announce: %v", err)
	}
}

// Send forwards payload to the active transport; if none is active, the
// message is dropped silently.
func (sess *Session) Send(payload []byte, reliable bool) {
	if sess.tf == nil {
		return
	}
	if err := sess.tf.Send(payload, reliable); err != nil {
		sess.logf("[se] send %s reliable=%v: %v", humanizeBytes(len(payload)), reliable, err)
	}
}

// ExitGame tears down the active transport, if any, returning the lobby to
// IN_LOBBY.
func (sess *Session) ExitGame() {
	if sess.tf == nil {
		return
	}
	sess.announcePresence(presenceLeave)
	sess.teardownTransport()
	sess.lobbyState = InLobby
}
