package chat

// Snapshot is a read-only copy of a session's state for presentation layers.
// The credential itself is never part of a snapshot.
type Snapshot struct {
	SessionID       string `json:"sessionId"`
	Model           string `json:"model"`
	Turns           []Turn `json:"turns"`
	Streaming       string `json:"streaming"`
	Loading         bool   `json:"loading"`
	Input           string `json:"input"`
	CredentialSet   bool   `json:"credentialSet"`
	SettingsVisible bool   `json:"settingsVisible"`
}
