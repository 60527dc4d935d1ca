package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Unknown is shown wherever a registered name cannot be resolved.
const Unknown = "Unknown"

// Application is a registered application.
type Application struct {
	ID   int    `json:"id"`
	Code string `json:"code"`
}

func (a *Application) Key() string { return strconv.Itoa(a.ID) }

// Instance is a registered running instance of an application.
type Instance struct {
	ID            int       `json:"id"`
	ApplicationID int       `json:"application_id"`
	AgentUUID     string    `json:"agent_uuid,omitempty"`
	OsInfo        string    `json:"os_info,omitempty"`
	RegisterTime  time.Time `json:"register_time"`
}

func (i *Instance) Key() string { return strconv.Itoa(i.ID) }

// HostName extracts "hostName" from the instance's OS info JSON.
func (i *Instance) HostName() (string, bool) {
	if i.OsInfo == "" {
		return "", false
	}
	var info struct {
		HostName string `json:"hostName"`
	}
	if err := json.Unmarshal([]byte(i.OsInfo), &info); err != nil || info.HostName == "" {
		return "", false
	}
	return info.HostName, true
}

// ServiceName is a registered service (operation) of an application.
type ServiceName struct {
	ID            int    `json:"id"`
	ApplicationID int    `json:"application_id"`
	Name          string `json:"name"`
}

func (s *ServiceName) Key() string { return strconv.Itoa(s.ID) }
