package registry

import (
	"encoding/json"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
)

// request is the closed set of messages accepted by the registry mailbox.
type request interface {
	isRequest()
}

type result[T any] struct {
	value T
	err   error
}

type createRequest struct {
	reg   entity.Registration
	reply chan result[[]entity.TopicID]
}

type getRequest struct {
	id    entity.TopicID
	reply chan result[*entity.Metadata]
}

type updateRequest struct {
	id     entity.TopicID
	update entity.Update
	reply  chan result[*entity.Metadata]
}

type deleteRequest struct {
	id    entity.TopicID
	reply chan result[[]entity.Metadata]
}

type listRequest struct {
	filters Filters
	reply   chan result[[]entity.Metadata]
}

type getTwinRequest struct {
	id    entity.TopicID
	key   string
	reply chan result[json.RawMessage]
}

type setTwinRequest struct {
	id    entity.TopicID
	key   string
	value json.RawMessage
	reply chan result[bool]
}

type getTwinsRequest struct {
	id    entity.TopicID
	reply chan result[map[string]json.RawMessage]
}

type setTwinsRequest struct {
	id        entity.TopicID
	fragments map[string]json.RawMessage
	reply     chan result[struct{}]
}

func (createRequest) isRequest()   {}
func (getRequest) isRequest()      {}
func (updateRequest) isRequest()   {}
func (deleteRequest) isRequest()   {}
func (listRequest) isRequest()     {}
func (getTwinRequest) isRequest()  {}
func (setTwinRequest) isRequest()  {}
func (getTwinsRequest) isRequest() {}
func (setTwinsRequest) isRequest() {}
