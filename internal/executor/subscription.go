package executor

import (
	"context"
	"fmt"
	"net/url"

	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
)

// Event is one message delivered over a subscription's lifetime: the
// primary fetch's initial payload merged with every Rest fetch run
// against it.
type Event struct {
	Data   map[string]interface{}
	Errors []GraphQLError
}

// ExecuteSubscription opens Primary as a graphql-transport-ws stream
// against its subgraph and, for each event received, runs Rest (if
// present) against that event's payload before delivering it to sink.
// It blocks until ctx is canceled or the subgraph closes the stream.
func (e *Executor) ExecuteSubscription(ctx context.Context, p *plan.Plan, variables map[string]interface{}, sink func(Event)) error {
	sub, ok := p.Root.(*plan.Subscription)
	if !ok {
		return fmt.Errorf("executor: ExecuteSubscription requires a Subscription root, got %T", p.Root)
	}

	sg := e.superGraph.SubGraphByName(sub.Primary.ServiceName)
	if sg == nil {
		return fmt.Errorf("executor: unknown subgraph %s", sub.Primary.ServiceName)
	}

	wsURL, err := toWebSocketURL(sg.Host)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("executor: subscription dial %s: %w", sub.Primary.ServiceName, err)
	}
	defer conn.Close()

	initMsg := map[string]interface{}{"type": "connection_init"}
	if err := conn.WriteJSON(initMsg); err != nil {
		return fmt.Errorf("executor: subscription connection_init: %w", err)
	}

	subscribeMsg := map[string]interface{}{
		"id":   "1",
		"type": "subscribe",
		"payload": map[string]interface{}{
			"query":     sub.Primary.OperationDoc,
			"variables": variables,
		},
	}
	if err := conn.WriteJSON(subscribeMsg); err != nil {
		return fmt.Errorf("executor: subscription subscribe: %w", err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("executor: subscription read: %w", err)
		}

		var msg struct {
			Type    string `json:"type"`
			Payload struct {
				Data   map[string]interface{} `json:"data"`
				Errors []interface{}          `json:"errors"`
			} `json:"payload"`
		}
		if err := gojson.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "next":
			root := msg.Payload.Data
			if root == nil {
				root = make(map[string]interface{})
			}
			st := newExecState()
			for _, item := range msg.Payload.Errors {
				if errMap, ok := item.(map[string]interface{}); ok {
					message, _ := errMap["message"].(string)
					st.errors = append(st.errors, GraphQLError{Message: message, Extensions: map[string]any{"serviceName": sub.Primary.ServiceName}})
				}
			}
			if sub.Rest != nil {
				if err := e.run(ctx, sub.Rest, root, variables, st, nil); err != nil {
					return err
				}
			}
			sink(Event{Data: root, Errors: st.errors})
		case "complete":
			return nil
		case "error":
			return fmt.Errorf("executor: subscription error from %s", sub.Primary.ServiceName)
		}
	}
}

func toWebSocketURL(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("executor: invalid subgraph host %q: %w", host, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("executor: unsupported subgraph scheme %q for subscriptions", u.Scheme)
	}
	return u.String(), nil
}
