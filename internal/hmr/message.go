package hmr

// Message types sent over the update channel.
const (
	TypeHello  = "hello"
	TypeUpdate = "update"
	TypeReload = "reload"
	TypeError  = "error"
	TypeOK     = "ok"
)

// Message is one frame on the update channel.
type Message struct {
	Type       string         `json:"type"`
	Generation uint64         `json:"generation"`
	Modules    []ModuleUpdate `json:"modules,omitempty"`
	Invalidate []string       `json:"invalidate,omitempty"`
	Boundaries []Boundary     `json:"boundaries,omitempty"`
	Message    string         `json:"message,omitempty"`
}

// Message converts the plan into the frame to broadcast.
func (p *Plan) Message() Message {
	switch {
	case p.Reload:
		return Message{Type: TypeReload, Generation: p.Generation, Message: p.Reason}
	case len(p.Updates) == 0:
		return Message{Type: TypeOK, Generation: p.Generation}
	}
	return Message{
		Type:       TypeUpdate,
		Generation: p.Generation,
		Modules:    p.Updates,
		Invalidate: p.Invalidate,
		Boundaries: p.Boundaries,
	}
}

func ErrorMessage(gen uint64, text string) Message {
	return Message{Type: TypeError, Generation: gen, Message: text}
}
