package protocol

import (
	"github.com/core-tools/hsu-fleet/pkg/domain"
)

// serverRecord is the control plane's full view of a server as plugins read it from
// ServerUpdate and FleetServerUpdate: identity at the top, live state under serverInfo.
type serverRecord struct {
	ServerID               string            `json:"serverId"`
	Name                   string            `json:"name"`
	Group                  string            `json:"group"`
	WorkingDirectory       string            `json:"workingDirectory,omitempty"`
	Address                string            `json:"address,omitempty"`
	Port                   int               `json:"port"`
	Type                   domain.ServerType `json:"type"`
	CreatedAt              int64             `json:"createdAt"`
	LastHeartbeat          int64             `json:"lastHeartbeat"`
	ServiceProviderID      string            `json:"serviceProviderId,omitempty"`
	ManuallyScaled         bool              `json:"isManuallyScaled"`
	Shutdown               bool              `json:"shutdown"`
	ShouldRestartAfterStop bool              `json:"shouldRestartAfterStop"`
	ServerInfo             *serverState      `json:"serverInfo"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

// serverState carries the same keys as the flat ServerAdd and ServerInfoUpdate payloads
type serverState struct {
	ServerID          string              `json:"serverId"`
	Name              string              `json:"name"`
	Group             string              `json:"group"`
	WorkingDirectory  string              `json:"workingDirectory,omitempty"`
	Address           string              `json:"address,omitempty"`
	Port              int                 `json:"port"`
	Type              domain.ServerType   `json:"type"`
	Status            domain.ServerStatus `json:"status"`
	OnlinePlayers     int                 `json:"onlinePlayers"`
	MaxPlayers        int                 `json:"maxPlayers"`
	OnlinePlayerNames []string            `json:"onlinePlayerNames"`
	CreatedAt         int64               `json:"createdAt"`
	LastHeartbeat     int64               `json:"lastHeartbeat"`
	ServiceProviderID string              `json:"serviceProviderId,omitempty"`
	ManuallyScaled    bool                `json:"isManuallyScaled"`
}

func newServerRecord(info domain.ServerInfo) serverRecord {
	return serverRecord{
		ServerID:          info.ServerID,
		Name:              info.Name,
		Group:             info.Group,
		WorkingDirectory:  info.WorkingDirectory,
		Address:           info.Address,
		Port:              info.Port,
		Type:              info.Type,
		CreatedAt:         info.CreatedAt,
		LastHeartbeat:     info.LastHeartbeat,
		ServiceProviderID: info.ServiceProviderID,
		ManuallyScaled:    info.ManuallyScaled,
		Shutdown:          info.Shutdown,
		ServerInfo: &serverState{
			ServerID:          info.ServerID,
			Name:              info.Name,
			Group:             info.Group,
			WorkingDirectory:  info.WorkingDirectory,
			Address:           info.Address,
			Port:              info.Port,
			Type:              info.Type,
			Status:            info.Status,
			OnlinePlayers:     info.OnlinePlayers,
			MaxPlayers:        info.MaxPlayers,
			OnlinePlayerNames: info.OnlinePlayerNames,
			CreatedAt:         info.CreatedAt,
			LastHeartbeat:     info.LastHeartbeat,
			ServiceProviderID: info.ServiceProviderID,
			ManuallyScaled:    info.ManuallyScaled,
		},
		Metadata: info.Metadata,
	}
}

// info flattens the record. Identity comes from the top level and falls back to the
// nested state when a sender left it out; status and players only exist nested.
func (r serverRecord) info() domain.ServerInfo {
	info := domain.ServerInfo{
		ServerID:          r.ServerID,
		Name:              r.Name,
		Group:             r.Group,
		WorkingDirectory:  r.WorkingDirectory,
		Address:           r.Address,
		Port:              r.Port,
		Type:              r.Type,
		CreatedAt:         r.CreatedAt,
		LastHeartbeat:     r.LastHeartbeat,
		ServiceProviderID: r.ServiceProviderID,
		ManuallyScaled:    r.ManuallyScaled,
		Shutdown:          r.Shutdown,
		Metadata:          r.Metadata,
	}

	state := r.ServerInfo
	if state == nil {
		return info
	}
	info.Status = state.Status
	info.OnlinePlayers = state.OnlinePlayers
	info.MaxPlayers = state.MaxPlayers
	info.OnlinePlayerNames = state.OnlinePlayerNames

	if info.ServerID == "" {
		info.ServerID = state.ServerID
	}
	if info.Name == "" {
		info.Name = state.Name
	}
	if info.Group == "" {
		info.Group = state.Group
	}
	if info.WorkingDirectory == "" {
		info.WorkingDirectory = state.WorkingDirectory
	}
	if info.Address == "" {
		info.Address = state.Address
	}
	if info.Port == 0 {
		info.Port = state.Port
	}
	if info.Type == "" {
		info.Type = state.Type
	}
	if info.ServiceProviderID == "" {
		info.ServiceProviderID = state.ServiceProviderID
	}
	return info
}

func writeServerRecord(w *Writer, server *domain.ServerInfo) error {
	if server == nil {
		w.WriteNullableString(nil)
		return nil
	}
	return writeJSON(w, newServerRecord(*server))
}

func readServerRecord(r *Reader) (*domain.ServerInfo, error) {
	raw, err := r.ReadNullableString()
	if err != nil || raw == nil {
		return nil, err
	}
	var record serverRecord
	if err := unmarshal(*raw, &record); err != nil {
		return nil, err
	}
	info := record.info()
	return &info, nil
}
