package marketchat

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/predix/marketchat/core"
)

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// JoinRoomHandler upgrades the connection and registers it as a live
// subscriber of the room. Catch-up is the client's job: fetch history
// first, then join; the live tail starts at the moment of subscription.
func (app *App) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	wallet := WalletFromRequest(r)
	roomID := r.PathValue("roomID")
	if roomID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := app.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	key := fmt.Sprintf("%s@%s", wallet, conn.RemoteAddr())
	sub := core.NewWSSubscriber(app.context, conn, key, app.logger,
		core.WithSendBuffer(app.config.Chat.SendBuffer))

	// Transport-level disconnect is the unsubscribe trigger; the registry
	// holds no reference past this callback. The token is bound before
	// the pumps start, so the callback never observes it unset.
	var token core.SubscriptionToken
	sub.OnClose(func() {
		app.registry.Unsubscribe(token)
	})
	token = app.registry.Subscribe(roomID, sub)

	sub.Run(&app.wg)
}

// ensure the ws subscriber stays a valid registry handle.
var _ core.Subscriber = (*core.WSSubscriber)(nil)
