// protocol.go defines the IPC protocol between the client and the helper.
// Each side writes newline-delimited JSON objects over one long-lived Unix
// stream connection. The client sends Requests; the helper answers each with
// a reply Message and may push task_finished Messages at any time. Closing
// the connection ends the caller's session.
package helper

import (
	"encoding/json"

	"github.com/jonmagon/kdiskmark/helper/internal/process"
)

// Method names one helper operation.
type Method string

const (
	MethodListStorages    Method = "list_storages"
	MethodPrepareFile     Method = "prepare_file"
	MethodStartTest       Method = "start_test"
	MethodFlushPageCache  Method = "flush_page_cache"
	MethodRemoveFile      Method = "remove_file"
	MethodStopCurrentTask Method = "stop_current_task"
)

// Request is sent from the client to the helper. ID is echoed in the reply.
// Params is fio.PrepareOptions for prepare_file, fio.BenchmarkOptions for
// start_test and RemoveFileParams for remove_file.
type Request struct {
	ID     uint64          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RemoveFileParams are the parameters of remove_file.
type RemoveFileParams struct {
	Path string `json:"path"`
}

// MessageType distinguishes replies from notifications.
type MessageType string

const (
	MessageReply        MessageType = "reply"
	MessageTaskFinished MessageType = "task_finished"
)

// ErrorCode classifies a failed reply.
type ErrorCode string

const (
	CodeAccessDenied ErrorCode = "access_denied"
	CodeBadRequest   ErrorCode = "bad_request"
	CodeInternal     ErrorCode = "internal"
)

// Message is sent from the helper to the client. A reply always carries the
// method's typed Result, even when Code reports a failure.
type Message struct {
	Type   MessageType         `json:"type"`
	ID     uint64              `json:"id,omitempty"`
	Result json.RawMessage     `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
	Code   ErrorCode           `json:"code,omitempty"`
	Task   *process.Completion `json:"task,omitempty"`
}
