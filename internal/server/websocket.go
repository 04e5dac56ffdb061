package server

import (
	"net/http"
	"time"

	"github.com/dchest/uniuri"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// getUpdates streams every update of a task to a websocket client, in order, until either side hangs up
func (s *Server) getUpdates(c *gin.Context) {
	taskID := c.Param("taskId")
	if _, err := s.engine.GetTask(c.Request.Context(), taskID); err != nil {
		s.abortWithError(c, err)
		return
	}

	// Subscribe before upgrading so no update committed after the check is missed
	sub := s.engine.Publisher.Subscribe(taskID)
	defer sub.Close()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warnf("Failed to upgrade the websocket - %v", err)
		return
	}
	defer ws.Close()

	log := s.log.WithField("task-id", taskID).WithField("subscriber", uniuri.New())
	log.Info("Websocket subscriber connected")
	defer log.Info("Websocket subscriber disconnected")

	// The client sends nothing but control frames, reading is only needed to notice it hanging up
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(env); err != nil {
				log.Warnf("Failed to write update - %v", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.done:
			ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeTimeout))
			return
		}
	}
}
