package model

import (
	"strconv"
	"time"
)

// AlarmContact is a person notified about alarms.
type AlarmContact struct {
	ID          int       `json:"id"`
	RealName    string    `json:"real_name"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	Email       string    `json:"email,omitempty"`
	Status      int       `json:"status"`
	CreateTime  time.Time `json:"create_time"`
	UpdateTime  time.Time `json:"update_time"`
}

func (c *AlarmContact) Key() string { return strconv.Itoa(c.ID) }

// ApplicationAlarmContact links an application to one of its contacts.
type ApplicationAlarmContact struct {
	ApplicationID  int `json:"application_id"`
	AlarmContactID int `json:"alarm_contact_id"`
}

func (r *ApplicationAlarmContact) Key() string {
	return strconv.Itoa(r.ApplicationID) + "_" + strconv.Itoa(r.AlarmContactID)
}
