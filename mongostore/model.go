package mongostore

import (
	"time"

	"github.com/domonda/go-types/notnull"
	"github.com/domonda/go-types/nullable"
	"github.com/domonda/go-types/uu"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/domonda/go-pollqueue"
)

// jobModel is the document of a job.
// Empty strings of the optional fields mean null.
type jobModel struct {
	ID         string     `bson:"_id"`
	Name       string     `bson:"name"`
	Payload    string     `bson:"payload"`
	Priority   int64      `bson:"priority"`
	Key        string     `bson:"key,omitempty"` // Absent for the partial unique index
	GroupKey   string     `bson:"group_key"`
	RunAfter   time.Time  `bson:"run_after"`
	CreatedOn  time.Time  `bson:"created_on"`
	Status     string     `bson:"status"`
	StartTime  *time.Time `bson:"start_time"`
	EndTime    *time.Time `bson:"end_time"`
	Duration   int64      `bson:"duration"` // Nanoseconds
	RetryCount int        `bson:"retry_count"`
	Error      string     `bson:"error"`
	Result     string     `bson:"result"`
}

func toModel(job *pollqueue.Job) *jobModel {
	return &jobModel{
		ID:         job.ID.String(),
		Name:       job.Name,
		Payload:    string(job.Payload),
		Priority:   job.Priority,
		Key:        string(job.Key),
		GroupKey:   string(job.GroupKey),
		RunAfter:   job.RunAfter,
		CreatedOn:  job.CreatedOn,
		Status:     string(job.Status),
		StartTime:  timePtr(job.StartTime),
		EndTime:    timePtr(job.EndTime),
		Duration:   int64(job.Duration),
		RetryCount: job.RetryCount,
		Error:      string(job.Error),
		Result:     string(job.Result),
	}
}

func fromModel(m *jobModel) (*pollqueue.Job, error) {
	id, err := uu.IDFromString(m.ID)
	if err != nil {
		return nil, err
	}
	job := &pollqueue.Job{
		ID:         id,
		Name:       m.Name,
		Payload:    notnull.JSON(m.Payload),
		Priority:   m.Priority,
		Key:        nullable.NonEmptyString(m.Key),
		GroupKey:   nullable.NonEmptyString(m.GroupKey),
		RunAfter:   m.RunAfter,
		CreatedOn:  m.CreatedOn,
		Status:     pollqueue.Status(m.Status),
		Duration:   time.Duration(m.Duration),
		RetryCount: m.RetryCount,
	}
	if m.StartTime != nil {
		job.StartTime.Set(*m.StartTime)
	}
	if m.EndTime != nil {
		job.EndTime.Set(*m.EndTime)
	}
	if m.Error != "" {
		job.Error = nullable.JSON(m.Error)
	}
	if m.Result != "" {
		job.Result = nullable.JSON(m.Result)
	}
	return job, nil
}

func timePtr(t nullable.Time) *time.Time {
	if t.IsNull() {
		return nil
	}
	v := t.Get()
	return &v
}

// filterDoc returns the query document for all non empty fields of f.
func filterDoc(f pollqueue.Filter) bson.D {
	doc := bson.D{}
	if len(f.IDs) > 0 {
		ids := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = id.String()
		}
		doc = append(doc, bson.E{Key: "_id", Value: bson.M{"$in": ids}})
	}
	if len(f.Names) > 0 {
		doc = append(doc, bson.E{Key: "name", Value: bson.M{"$in": f.Names}})
	}
	if f.Key != "" {
		doc = append(doc, bson.E{Key: "key", Value: f.Key})
	}
	if f.GroupKey != "" {
		doc = append(doc, bson.E{Key: "group_key", Value: f.GroupKey})
	}
	switch len(f.Statuses) {
	case 0:
	case 1:
		// Equality so that upserts copy the status
		doc = append(doc, bson.E{Key: "status", Value: string(f.Statuses[0])})
	default:
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		doc = append(doc, bson.E{Key: "status", Value: bson.M{"$in": statuses}})
	}
	if !f.CreatedSince.IsZero() {
		doc = append(doc, bson.E{Key: "created_on", Value: bson.M{"$gte": f.CreatedSince}})
	}
	return doc
}

// updateDoc returns the update document for u.
// Fields written by EndTime take precedence over Reset.
func updateDoc(u pollqueue.Update) bson.M {
	set := bson.M{"status": string(u.Status)}
	if u.Reset {
		set["start_time"] = nil
		set["end_time"] = nil
		set["duration"] = int64(0)
		set["error"] = ""
		set["result"] = ""
	}
	if !u.RunAfter.IsZero() {
		set["run_after"] = u.RunAfter
	}
	if !u.EndTime.IsZero() {
		set["end_time"] = u.EndTime
		set["duration"] = int64(u.Duration)
		set["error"] = string(u.Error)
		set["result"] = string(u.Result)
	}
	update := bson.M{"$set": set}
	if u.IncRetryCount {
		update["$inc"] = bson.M{"retry_count": 1}
	}
	return update
}

// queueOrder sorts like pollqueue.CompareJobs.
var queueOrder = bson.D{
	{Key: "priority", Value: 1},
	{Key: "created_on", Value: 1},
}
