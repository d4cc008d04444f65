package models

import (
	"encoding/json"
	"time"
)

type MessageStatus string

const (
	MessageNew        MessageStatus = "New"
	MessageProcessing MessageStatus = "Processing"
	MessageResponded  MessageStatus = "Responded"
	MessageEscalated  MessageStatus = "Escalated"
	MessageFailed     MessageStatus = "Failed"
)

// Terminal reports whether no further automatic transition can leave s.
func (s MessageStatus) Terminal() bool {
	return s == MessageResponded || s == MessageEscalated || s == MessageFailed
}

const (
	AuthorGuest  = "guest"
	AuthorSystem = "system"
)

const UnknownProperty = "Unknown"

type Source struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

type Message struct {
	ID               string        `json:"id"`
	GuestName        string        `json:"guest_name"`
	Platform         string        `json:"platform"`
	Content          string        `json:"content"`
	Timestamp        time.Time     `json:"timestamp"`
	Status           MessageStatus `json:"status"`
	AIResponse       string        `json:"ai_response,omitempty"`
	GroundingSources []Source      `json:"grounding_sources,omitempty"`
	Author           string        `json:"author"`
}

type LifecycleType string

const (
	PreArrival   LifecycleType = "preArrival"
	MidStay      LifecycleType = "midStay"
	PreDeparture LifecycleType = "preDeparture"
)

type LifecycleFlags struct {
	PreArrival   bool `json:"pre_arrival"`
	MidStay      bool `json:"mid_stay"`
	PreDeparture bool `json:"pre_departure"`
}

func (f LifecycleFlags) Sent(t LifecycleType) bool {
	switch t {
	case PreArrival:
		return f.PreArrival
	case MidStay:
		return f.MidStay
	case PreDeparture:
		return f.PreDeparture
	}
	return false
}

func (f *LifecycleFlags) Mark(t LifecycleType) {
	switch t {
	case PreArrival:
		f.PreArrival = true
	case MidStay:
		f.MidStay = true
	case PreDeparture:
		f.PreDeparture = true
	}
}

type Booking struct {
	ID                    string         `json:"id"`
	GuestName             string         `json:"guest_name"`
	Property              string         `json:"property"`
	CheckIn               time.Time      `json:"check_in"`
	CheckOut              time.Time      `json:"check_out"`
	AutomatedMessagesSent LifecycleFlags `json:"automated_messages_sent"`
}

type TaskStatus string

const (
	TaskToDo       TaskStatus = "To Do"
	TaskInProgress TaskStatus = "In Progress"
	TaskCompleted  TaskStatus = "Completed"
)

// Open reports whether a task in this status counts toward a staff member's workload.
func (s TaskStatus) Open() bool {
	return s == TaskToDo || s == TaskInProgress
}

func (s TaskStatus) Valid() bool {
	return s == TaskToDo || s == TaskInProgress || s == TaskCompleted
}

type MaintenanceTask struct {
	ID              string     `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	Property        string     `json:"property"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	SourceMessageID string     `json:"source_message_id"`
	StaffID         *string    `json:"staff_id"`
	StaffName       *string    `json:"staff_name"`
}

const (
	AnyLocation           = "Any"
	GeneralSpecialization = "general"
)

type MaintenanceStaff struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	Specializations []string `json:"specializations" yaml:"specializations"`
	Location        string   `json:"location" yaml:"location"`
}

type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Outcome   string    `json:"outcome"`
}

type Notification struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel"`
	Message   string    `json:"message"`
}

type Alert struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
}

type Run struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at"`
	Status     string          `json:"status"`
	Summary    json.RawMessage `json:"summary"`
}
