package logging

import (
	"time"
)

// LogField is a structured log field independent of the logging backend
type LogField struct {
	Key   string
	Value interface{}
	Type  FieldType
}

type FieldType int

const (
	StringField FieldType = iota
	IntField
	Int64Field
	Float64Field
	BoolField
	DurationField
	TimeField
	ErrorField
	ObjectField
)

func String(key, value string) LogField {
	return LogField{Key: key, Value: value, Type: StringField}
}

func Int(key string, value int) LogField {
	return LogField{Key: key, Value: value, Type: IntField}
}

func Int64(key string, value int64) LogField {
	return LogField{Key: key, Value: value, Type: Int64Field}
}

func Float64(key string, value float64) LogField {
	return LogField{Key: key, Value: value, Type: Float64Field}
}

func Bool(key string, value bool) LogField {
	return LogField{Key: key, Value: value, Type: BoolField}
}

func Duration(key string, value time.Duration) LogField {
	return LogField{Key: key, Value: value, Type: DurationField}
}

func Time(key string, value time.Time) LogField {
	return LogField{Key: key, Value: value, Type: TimeField}
}

// Error always uses "error" as key
func Error(err error) LogField {
	return LogField{Key: "error", Value: err, Type: ErrorField}
}

func Object(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value, Type: ObjectField}
}

// Fleet-specific convenience fields

func Server(serverID string) LogField {
	return String("server_id", serverID)
}

func Group(group string) LogField {
	return String("group", group)
}

func Component(component string) LogField {
	return String("component", component)
}

func Remote(address string) LogField {
	return String("remote", address)
}
