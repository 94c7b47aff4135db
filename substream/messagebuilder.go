package substream

import "kmux/consumeractor"

// MessageBuilder is a pure function from a polled record to the message
// type the caller wants downstream. Record-to-message transformation
// itself is out of scope for this module; this interface is the seam a
// caller implements to supply it.
type MessageBuilder[Msg any] interface {
	CreateMessage(record consumeractor.Record) (Msg, error)
}

// MessageBuilderFunc adapts a plain function to MessageBuilder, the way a
// caller wiring this module together typically wants to supply one.
type MessageBuilderFunc[Msg any] func(consumeractor.Record) (Msg, error)

func (f MessageBuilderFunc[Msg]) CreateMessage(record consumeractor.Record) (Msg, error) {
	return f(record)
}
