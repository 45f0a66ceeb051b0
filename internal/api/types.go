package api

// Wire types for the agent service. Field shapes follow the service's JSON;
// everything here is transport-level and owned by the remote side.

type Session struct {
	ID        string       `json:"id"`
	Title     string       `json:"title,omitempty"`
	Directory string       `json:"directory,omitempty"`
	ParentID  string       `json:"parentID,omitempty"`
	Summary   string       `json:"summary,omitempty"`
	Time      SessionTime  `json:"time"`
	Share     *ShareInfo   `json:"share,omitempty"`
	Revert    *RevertPoint `json:"revert,omitempty"`
}

type SessionTime struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

type ShareInfo struct {
	URL string `json:"url"`
}

type RevertPoint struct {
	MessageID string `json:"messageID"`
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

type MessageInfo struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"sessionID"`
	Role       MessageRole  `json:"role"`
	ProviderID string       `json:"providerID,omitempty"`
	ModelID    string       `json:"modelID,omitempty"`
	Time       MessageTime  `json:"time"`
	Summary    *TitleHolder `json:"summary,omitempty"`
	Tokens     *TokenUsage  `json:"tokens,omitempty"`
}

type MessageTime struct {
	Created   int64 `json:"created"`
	Completed int64 `json:"completed,omitempty"`
}

type TitleHolder struct {
	Title string `json:"title"`
}

type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartTool      PartType = "tool"
	PartFile      PartType = "file"
)

// Part is one typed fragment of a message. Only the fields matching Type are
// populated.
type Part struct {
	ID        string   `json:"id"`
	MessageID string   `json:"messageID"`
	SessionID string   `json:"sessionID"`
	Type      PartType `json:"type"`

	Text      string `json:"text,omitempty"`
	Synthetic bool   `json:"synthetic,omitempty"`

	Tool   string     `json:"tool,omitempty"`
	CallID string     `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	Filename string `json:"filename,omitempty"`
	Mime     string `json:"mime,omitempty"`
	URL      string `json:"url,omitempty"`
}

type ToolState struct {
	Status string `json:"status"`
	Title  string `json:"title,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// OutgoingFile is an attachment included in a send, either inlined as a data
// URL or referencing a server-side path.
type OutgoingFile struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	URL      string `json:"url"`
}

// OutgoingPart is one text+attachments unit of a send request. The first part
// is the primary; the rest are additional parts appended in order.
type OutgoingPart struct {
	Text  string         `json:"text"`
	Files []OutgoingFile `json:"files,omitempty"`
}

type SendRequest struct {
	SessionID  string         `json:"sessionID"`
	ProviderID string         `json:"providerID"`
	ModelID    string         `json:"modelID"`
	Agent      string         `json:"agent,omitempty"`
	Parts      []OutgoingPart `json:"parts"`
}

type Agent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

type Permission struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Title     string         `json:"title"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Created   int64          `json:"created"`
}

type PermissionReply string

const (
	PermissionOnce   PermissionReply = "once"
	PermissionAlways PermissionReply = "always"
	PermissionReject PermissionReply = "reject"
)

type DirEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
}

type Model struct {
	ProviderID   string `json:"providerID"`
	ModelID      string `json:"modelID"`
	ContextLimit int    `json:"contextLimit"`
	OutputLimit  int    `json:"outputLimit"`
}
