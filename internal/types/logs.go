package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// LogLine is a single line emitted by a container of a run.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Node      string    `json:"node,omitempty"`
	Pod       string    `json:"pod,omitempty"`
	Container string    `json:"container,omitempty"`
	Value     string    `json:"value"`
}

// UnmarshalJSON accepts every timestamp form of ParseTime.
func (l *LogLine) UnmarshalJSON(data []byte) error {
	type alias LogLine
	aux := struct {
		*alias
		Timestamp json.RawMessage `json:"timestamp"`
	}{alias: (*alias)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Timestamp) == 0 || string(aux.Timestamp) == "null" {
		return fmt.Errorf("log line without timestamp")
	}
	var ts Time
	if err := ts.UnmarshalJSON(aux.Timestamp); err != nil {
		return err
	}
	l.Timestamp = ts.Time
	return nil
}

// LogsResponse is one page of logs returned by the streams API.
type LogsResponse struct {
	Logs     []LogLine `json:"logs"`
	LastTime *Time     `json:"last_time,omitempty"`
	LastFile string    `json:"last_file,omitempty"`
	Files    []string  `json:"files,omitempty"`
}

// StatusesResponse is the payload of the statuses endpoint.
type StatusesResponse struct {
	UUID             string            `json:"uuid"`
	Status           Status            `json:"status"`
	StatusConditions []StatusCondition `json:"status_conditions,omitempty"`
}

// ListResponse is a page of runs.
type ListResponse struct {
	Count    int    `json:"count"`
	Results  []*Run `json:"results"`
	Previous string `json:"previous,omitempty"`
	Next     string `json:"next,omitempty"`
}

// ArtifactsLineageResponse is a page of lineage records.
type ArtifactsLineageResponse struct {
	Count   int           `json:"count"`
	Results []RunArtifact `json:"results"`
	Next    string        `json:"next,omitempty"`
}
