package push

import (
	"context"
	"io"

	webpush "github.com/SherClockHolmes/webpush-go"

	"campanile/notifications/internal/model"
)

// WebPushTransport delivers payloads over the Web Push protocol with
// VAPID authentication.
type WebPushTransport struct {
	subscriber string
	publicKey  string
	privateKey string
	ttl        int
}

func NewWebPushTransport(subscriber, vapidPublicKey, vapidPrivateKey string) *WebPushTransport {
	return &WebPushTransport{
		subscriber: subscriber,
		publicKey:  vapidPublicKey,
		privateKey: vapidPrivateKey,
		ttl:        60,
	}
}

func (t *WebPushTransport) Send(ctx context.Context, sub model.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      t.subscriber,
		VAPIDPublicKey:  t.publicKey,
		VAPIDPrivateKey: t.privateKey,
		TTL:             t.ttl,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}
