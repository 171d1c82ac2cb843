package natsrt

import "github.com/nats-io/nats.go"

func natsMsg(subject string, data []byte) *nats.Msg {
	return &nats.Msg{Subject: subject, Data: data}
}
