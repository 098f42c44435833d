package batch

import (
	"encoding/json"

	"github.com/jobcore/jobcore/internal/coreerr"
)

// ParseSpec decodes a job's opaque parallelism JSON blob into a batch Spec.
// Unknown fields are ignored; the blob is the job's Parallelism attribute
// as submitted (for a workflow template step, its "parallelism" param
// passed through unchanged).
func ParseSpec(parallelismJSON string) (Spec, error) {
	var raw struct {
		Partition string   `json:"partition"`
		Account   string   `json:"account"`
		QOS       string   `json:"qos"`
		Nodes     int      `json:"nodes"`
		TimeLimit string   `json:"time_limit"`
		Modules   []string `json:"modules"`
		MailUser  string   `json:"mail_user"`
		DependsOn string   `json:"depends_on"`
		ArraySpec string   `json:"array_spec"`
	}
	if err := json.Unmarshal([]byte(parallelismJSON), &raw); err != nil {
		return Spec{}, coreerr.NewValidationError("parallelism", "malformed batch parallelism JSON: "+err.Error())
	}
	return Spec{
		Partition: raw.Partition,
		Account:   raw.Account,
		QOS:       raw.QOS,
		Nodes:     raw.Nodes,
		TimeLimit: raw.TimeLimit,
		Modules:   raw.Modules,
		MailUser:  raw.MailUser,
		DependsOn: raw.DependsOn,
		ArraySpec: raw.ArraySpec,
	}, nil
}
