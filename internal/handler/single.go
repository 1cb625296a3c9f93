package handler

import (
	"context"
	"time"

	"github.com/Trustflow-Network-Labs/dht-node/internal/contact"
	"github.com/Trustflow-Network-Labs/dht-node/internal/database"
	"github.com/Trustflow-Network-Labs/dht-node/internal/kuid"
	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
	"github.com/Trustflow-Network-Labs/dht-node/internal/security"
)

// single is a strategy around exactly one request.
type single[T any] struct {
	target  contact.Contact
	request func(f *message.Factory) message.Request
	accept  func(resp message.Response) (T, error)

	done   bool
	result T
	err    error
}

func (s *single[T]) Start(x *Exchange) error {
	_, err := x.SendTo(s.target, s.request(x.Factory()))
	return err
}

func (s *single[T]) Finished(x *Exchange) bool { return s.done }

func (s *single[T]) OnResponse(x *Exchange, h message.RequestHandle, resp message.Response, rtt time.Duration) {
	s.result, s.err = s.accept(resp)
	s.done = true
}

func (s *single[T]) OnTimeout(x *Exchange, h message.RequestHandle, elapsed time.Duration) {
	s.err = &TimeoutError{Handle: h, Elapsed: elapsed}
	s.done = true
}

func (s *single[T]) OnError(x *Exchange, h message.RequestHandle, err error) {
	s.err = err
	s.done = true
}

func (s *single[T]) Result(x *Exchange) (T, error) { return s.result, s.err }

// SecurityToken asks c for a store token with one FIND_NODE.
func SecurityToken(ctx context.Context, hc *Context, c contact.Contact, key kuid.KUID) *Future[security.Token] {
	return Run[security.Token](ctx, hc, "security_token", &single[security.Token]{
		target: c,
		request: func(f *message.Factory) message.Request {
			return f.NewFindNodeRequest(c.Addr, key)
		},
		accept: func(resp message.Response) (security.Token, error) {
			r, ok := resp.(*message.FindNodeResponse)
			if !ok || r.Token.IsEmpty() {
				return nil, ErrNoSecurityToken
			}
			return r.Token, nil
		},
	})
}

// GetValue fetches the values for the given secondary keys from c. It is
// used after a value lookup returned only the available keys.
func GetValue(ctx context.Context, hc *Context, c contact.Contact, key kuid.KUID, secondary []kuid.KUID, vt database.ValueType) *Future[ValueEntity] {
	return Run[ValueEntity](ctx, hc, "get_value", &single[ValueEntity]{
		target: c,
		request: func(f *message.Factory) message.Request {
			return f.NewFindValueRequest(c.Addr, key, secondary, vt)
		},
		accept: func(resp message.Response) (ValueEntity, error) {
			r, ok := resp.(*message.FindValueResponse)
			if !ok || len(r.Values) == 0 {
				return ValueEntity{}, &NoSuchValueError{State: State{Key: key, Queried: 1}}
			}
			for _, v := range r.Values {
				if !vt.Matches(v.Type) {
					return ValueEntity{}, badResponse("value type %s, asked for %s", v.Type, vt)
				}
			}
			return ValueEntity{
				Sender:        c,
				Key:           key,
				Values:        r.Values,
				SecondaryKeys: r.SecondaryKeys,
				RequestLoad:   r.RequestLoad,
			}, nil
		},
	})
}
