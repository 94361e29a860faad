// Package proto defines the closed set of control-protocol message kinds
// from spec.md §4.3, their bracketed wire payloads, and the length-prefixed
// framing that carries them over a control BufferedChannel.
//
// Grounded on the teacher's own proto/messages.go (newline-JSON
// request/response) and instance.go's attach-stream framing
// ([type][length][payload]), generalized to the full mnmx message set and
// the self-delimiting bracketed grammar spec.md calls for in place of JSON.
package proto

import "fmt"

// Kind identifies a control message's wire type. The set is closed: every
// value here is named in spec.md's message-kind table.
type Kind uint16

const (
	KindConnectionNotification Kind = iota + 1
	KindClientIDRequest
	KindClientIDResponse
	KindDataSocketRequest
	KindDataSocketResponse
	KindSessionListRequest
	KindSessionListResponse
	KindMakeSessionRequest
	KindMakeSessionResponse
	KindAttachRequest
	KindAttachResponse
	KindDetachRequest
	KindDetachResponse
	KindDetachedNotification
	KindSignalRequest
	KindRedrawNotification
	KindStatisticsRequest
	KindStatisticsResponse
)

func (k Kind) String() string {
	switch k {
	case KindConnectionNotification:
		return "ConnectionNotification"
	case KindClientIDRequest:
		return "ClientIDRequest"
	case KindClientIDResponse:
		return "ClientIDResponse"
	case KindDataSocketRequest:
		return "DataSocketRequest"
	case KindDataSocketResponse:
		return "DataSocketResponse"
	case KindSessionListRequest:
		return "SessionListRequest"
	case KindSessionListResponse:
		return "SessionListResponse"
	case KindMakeSessionRequest:
		return "MakeSessionRequest"
	case KindMakeSessionResponse:
		return "MakeSessionResponse"
	case KindAttachRequest:
		return "AttachRequest"
	case KindAttachResponse:
		return "AttachResponse"
	case KindDetachRequest:
		return "DetachRequest"
	case KindDetachResponse:
		return "DetachResponse"
	case KindDetachedNotification:
		return "DetachedNotification"
	case KindSignalRequest:
		return "SignalRequest"
	case KindRedrawNotification:
		return "RedrawNotification"
	case KindStatisticsRequest:
		return "StatisticsRequest"
	case KindStatisticsResponse:
		return "StatisticsResponse"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// DetachMode selects which attached clients a DetachRequest targets.
type DetachMode int

const (
	DetachLatest DetachMode = iota
	DetachAll
)

// DetachReasonKind is the tagged union carried by DetachedNotification.
type DetachReasonKind int

const (
	ReasonDetach DetachReasonKind = iota
	ReasonExit
	ReasonServerShutdown
	ReasonKicked
)

// ClientID is the (id, nonce) pair from spec.md §3.
type ClientID struct {
	ID    uint64
	Nonce uint64
}

func (c ClientID) encode() Element {
	return wrap("CLIENT", intElem("ID", int64(c.ID)), intElem("NONCE", int64(c.Nonce)))
}

func decodeClientID(e Element) ClientID {
	return ClientID{ID: uint64(e.ChildInt("ID")), Nonce: uint64(e.ChildInt("NONCE"))}
}

// SpawnOptions mirrors monomux's ProcessSpawnOptions: env is always a pair
// of lists, never a nullable map, so "unset this variable" stays expressible.
type SpawnOptions struct {
	Program  string
	Args     []string
	EnvSet   [][2]string
	EnvUnset []string
}

func (s SpawnOptions) encode() Element {
	var args []Element
	for _, a := range s.Args {
		args = append(args, textElem("ARG", a))
	}
	var sets []Element
	for _, kv := range s.EnvSet {
		sets = append(sets, wrap("SET", textElem("KEY", kv[0]), textElem("VAL", kv[1])))
	}
	var unsets []Element
	for _, k := range s.EnvUnset {
		unsets = append(unsets, textElem("KEY", k))
	}
	return wrap("SPAWN",
		textElem("PROGRAM", s.Program),
		wrap("ARGS", args...),
		wrap("ENV-SET", sets...),
		wrap("ENV-UNSET", unsets...),
	)
}

func decodeSpawnOptions(e Element) SpawnOptions {
	var s SpawnOptions
	s.Program = e.ChildText("PROGRAM")
	if args, ok := e.Child("ARGS"); ok {
		for _, a := range args.Children {
			s.Args = append(s.Args, unescape(a.Text))
		}
	}
	if sets, ok := e.Child("ENV-SET"); ok {
		for _, set := range sets.Children {
			s.EnvSet = append(s.EnvSet, [2]string{set.ChildText("KEY"), set.ChildText("VAL")})
		}
	}
	if unsets, ok := e.Child("ENV-UNSET"); ok {
		for _, k := range unsets.Children {
			s.EnvUnset = append(s.EnvUnset, unescape(k.Text))
		}
	}
	return s
}

// SessionInfo is the client-visible view of a Session.
type SessionInfo struct {
	Name      string
	CreatedAt int64
	PID       int
	Attached  int
}

func (s SessionInfo) encode() Element {
	return wrap("SESSION",
		textElem("NAME", s.Name),
		intElem("CREATED", s.CreatedAt),
		intElem("PID", int64(s.PID)),
		intElem("ATTACHED", int64(s.Attached)),
	)
}

func decodeSessionInfo(e Element) SessionInfo {
	return SessionInfo{
		Name:      e.ChildText("NAME"),
		CreatedAt: e.ChildInt("CREATED"),
		PID:       int(e.ChildInt("PID")),
		Attached:  int(e.ChildInt("ATTACHED")),
	}
}

// ── ConnectionNotification ────────────────────────────────────────────────

type ConnectionNotification struct {
	Accepted bool
	Reason   string
}

func (m ConnectionNotification) Kind() Kind { return KindConnectionNotification }
func (m ConnectionNotification) encode() Element {
	return wrap("CONNECTION", boolElem("ACCEPTED", m.Accepted), textElem("REASON", m.Reason))
}
func decodeConnectionNotification(e Element) ConnectionNotification {
	return ConnectionNotification{Accepted: e.ChildBool("ACCEPTED"), Reason: e.ChildText("REASON")}
}

// ── ClientIDRequest / ClientIDResponse ─────────────────────────────────────

type ClientIDRequest struct{}

func (m ClientIDRequest) Kind() Kind      { return KindClientIDRequest }
func (m ClientIDRequest) encode() Element { return flagElem("CLIENT-ID") }

type ClientIDResponse struct {
	Client ClientID
}

func (m ClientIDResponse) Kind() Kind { return KindClientIDResponse }
func (m ClientIDResponse) encode() Element {
	return wrap("CLIENT-ID", m.Client.encode())
}
func decodeClientIDResponse(e Element) ClientIDResponse {
	if c, ok := e.Child("CLIENT"); ok {
		return ClientIDResponse{Client: decodeClientID(c)}
	}
	return ClientIDResponse{}
}

// ── DataSocketRequest / DataSocketResponse ─────────────────────────────────

type DataSocketRequest struct {
	Client ClientID
}

func (m DataSocketRequest) Kind() Kind { return KindDataSocketRequest }
func (m DataSocketRequest) encode() Element {
	return wrap("DATASOCKET", m.Client.encode())
}
func decodeDataSocketRequest(e Element) DataSocketRequest {
	if c, ok := e.Child("CLIENT"); ok {
		return DataSocketRequest{Client: decodeClientID(c)}
	}
	return DataSocketRequest{}
}

type DataSocketResponse struct {
	Success bool
}

func (m DataSocketResponse) Kind() Kind { return KindDataSocketResponse }
func (m DataSocketResponse) encode() Element {
	return wrap("DATASOCKET", boolElem("SUCCESS", m.Success))
}
func decodeDataSocketResponse(e Element) DataSocketResponse {
	return DataSocketResponse{Success: e.ChildBool("SUCCESS")}
}

// ── SessionListRequest / SessionListResponse ───────────────────────────────

type SessionListRequest struct{}

func (m SessionListRequest) Kind() Kind      { return KindSessionListRequest }
func (m SessionListRequest) encode() Element { return flagElem("SESSION-LIST") }

type SessionListResponse struct {
	Sessions []SessionInfo
}

func (m SessionListResponse) Kind() Kind { return KindSessionListResponse }
func (m SessionListResponse) encode() Element {
	children := make([]Element, 0, len(m.Sessions))
	for _, s := range m.Sessions {
		children = append(children, s.encode())
	}
	return wrap("SESSION-LIST", children...)
}
func decodeSessionListResponse(e Element) SessionListResponse {
	var out SessionListResponse
	for _, c := range e.Children {
		if c.Name == "SESSION" {
			out.Sessions = append(out.Sessions, decodeSessionInfo(c))
		}
	}
	return out
}

// ── MakeSessionRequest / MakeSessionResponse ───────────────────────────────

type MakeSessionRequest struct {
	Name  string
	Spawn SpawnOptions
}

func (m MakeSessionRequest) Kind() Kind { return KindMakeSessionRequest }
func (m MakeSessionRequest) encode() Element {
	return wrap("MAKE-SESSION", textElem("NAME", m.Name), m.Spawn.encode())
}
func decodeMakeSessionRequest(e Element) MakeSessionRequest {
	out := MakeSessionRequest{Name: e.ChildText("NAME")}
	if s, ok := e.Child("SPAWN"); ok {
		out.Spawn = decodeSpawnOptions(s)
	}
	return out
}

type MakeSessionResponse struct {
	Success    bool
	ActualName string
}

func (m MakeSessionResponse) Kind() Kind { return KindMakeSessionResponse }
func (m MakeSessionResponse) encode() Element {
	return wrap("MAKE-SESSION", boolElem("SUCCESS", m.Success), textElem("NAME", m.ActualName))
}
func decodeMakeSessionResponse(e Element) MakeSessionResponse {
	return MakeSessionResponse{Success: e.ChildBool("SUCCESS"), ActualName: e.ChildText("NAME")}
}

// ── AttachRequest / AttachResponse ──────────────────────────────────────────

type AttachRequest struct {
	Name string
}

func (m AttachRequest) Kind() Kind { return KindAttachRequest }
func (m AttachRequest) encode() Element {
	return wrap("ATTACH", textElem("NAME", m.Name))
}
func decodeAttachRequest(e Element) AttachRequest {
	return AttachRequest{Name: e.ChildText("NAME")}
}

type AttachResponse struct {
	Success bool
	Session SessionInfo // zero value if !Success
}

func (m AttachResponse) Kind() Kind { return KindAttachResponse }
func (m AttachResponse) encode() Element {
	children := []Element{boolElem("SUCCESS", m.Success)}
	if m.Success {
		children = append(children, m.Session.encode())
	}
	return wrap("ATTACH", children...)
}
func decodeAttachResponse(e Element) AttachResponse {
	out := AttachResponse{Success: e.ChildBool("SUCCESS")}
	if s, ok := e.Child("SESSION"); ok {
		out.Session = decodeSessionInfo(s)
	}
	return out
}

// ── DetachRequest / DetachResponse ──────────────────────────────────────────

type DetachRequest struct {
	Mode DetachMode
}

func (m DetachRequest) Kind() Kind { return KindDetachRequest }
func (m DetachRequest) encode() Element {
	name := "LATEST"
	if m.Mode == DetachAll {
		name = "ALL"
	}
	return wrap("DETACH", flagElem(name))
}
func decodeDetachRequest(e Element) DetachRequest {
	out := DetachRequest{Mode: DetachLatest}
	if _, ok := e.Child("ALL"); ok {
		out.Mode = DetachAll
	}
	return out
}

type DetachResponse struct{}

func (m DetachResponse) Kind() Kind      { return KindDetachResponse }
func (m DetachResponse) encode() Element { return flagElem("DETACH") }

// ── DetachedNotification ─────────────────────────────────────────────────

type DetachedNotification struct {
	Reason     DetachReasonKind
	ExitCode   int
	KickReason string
}

func (m DetachedNotification) Kind() Kind { return KindDetachedNotification }
func (m DetachedNotification) encode() Element {
	var reason Element
	switch m.Reason {
	case ReasonDetach:
		reason = flagElem("DETACH")
	case ReasonExit:
		reason = intElem("EXIT", int64(m.ExitCode))
	case ReasonServerShutdown:
		reason = flagElem("SHUTDOWN")
	case ReasonKicked:
		reason = textElem("KICKED", m.KickReason)
	}
	return wrap("DETACHED", reason)
}
func decodeDetachedNotification(e Element) DetachedNotification {
	if len(e.Children) == 0 {
		return DetachedNotification{}
	}
	c := e.Children[0]
	switch c.Name {
	case "DETACH":
		return DetachedNotification{Reason: ReasonDetach}
	case "EXIT":
		var code int64
		fmt.Sscanf(c.Text, "%d", &code)
		return DetachedNotification{Reason: ReasonExit, ExitCode: int(code)}
	case "SHUTDOWN":
		return DetachedNotification{Reason: ReasonServerShutdown}
	case "KICKED":
		return DetachedNotification{Reason: ReasonKicked, KickReason: unescape(c.Text)}
	}
	return DetachedNotification{}
}

// ── SignalRequest ────────────────────────────────────────────────────────

type SignalRequest struct {
	SigNum int
}

func (m SignalRequest) Kind() Kind { return KindSignalRequest }
func (m SignalRequest) encode() Element {
	return wrap("SIGNAL", intElem("SIGNUM", int64(m.SigNum)))
}
func decodeSignalRequest(e Element) SignalRequest {
	return SignalRequest{SigNum: int(e.ChildInt("SIGNUM"))}
}

// ── RedrawNotification ───────────────────────────────────────────────────

type RedrawNotification struct {
	Rows, Cols uint16
}

func (m RedrawNotification) Kind() Kind { return KindRedrawNotification }
func (m RedrawNotification) encode() Element {
	return wrap("REDRAW", intElem("ROWS", int64(m.Rows)), intElem("COLS", int64(m.Cols)))
}
func decodeRedrawNotification(e Element) RedrawNotification {
	return RedrawNotification{Rows: uint16(e.ChildInt("ROWS")), Cols: uint16(e.ChildInt("COLS"))}
}

// ── StatisticsRequest / StatisticsResponse ─────────────────────────────────

type StatisticsRequest struct{}

func (m StatisticsRequest) Kind() Kind      { return KindStatisticsRequest }
func (m StatisticsRequest) encode() Element { return flagElem("STATISTICS") }

type StatisticsResponse struct {
	Contents string
}

func (m StatisticsResponse) Kind() Kind { return KindStatisticsResponse }
func (m StatisticsResponse) encode() Element {
	return wrap("STATISTICS", textElem("CONTENTS", m.Contents))
}
func decodeStatisticsResponse(e Element) StatisticsResponse {
	return StatisticsResponse{Contents: e.ChildText("CONTENTS")}
}
