package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
)

const readTimeout = 5 * time.Second

type BaseSuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.ChatAddr == "" {
		s.T().Skip("CHAT_ADDR not set, skipping end-to-end suite")
	}
}

func (s *BaseSuite) header(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// Account is a throwaway user registered for one scenario.
type Account struct {
	Username string
	UserID   string
	Token    string
}

// Register creates a fresh account on the broker.
func (s *BaseSuite) Register(prefix string) Account {
	username := prefix + uuid.NewString()[:8]
	payload, err := json.Marshal(map[string]string{"username": username, "password": "E2e-Passw0rd-Long"})
	s.Require().NoError(err)
	res, err := http.Post("http://"+s.Config.ChatAddr+"/register", "application/json", bytes.NewReader(payload))
	s.Require().NoError(err)
	defer res.Body.Close()
	s.Require().Equal(http.StatusCreated, res.StatusCode)

	var body struct {
		Token string `json:"token"`
		User  struct {
			UserID string `json:"userId"`
		} `json:"user"`
	}
	s.Require().NoError(json.NewDecoder(res.Body).Decode(&body))
	return Account{Username: username, UserID: body.User.UserID, Token: body.Token}
}

// Client is one websocket connection of a test user.
type Client struct {
	s    *BaseSuite
	name string
	conn *websocket.Conn
}

type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Connect opens and authenticates a websocket connection.
func (s *BaseSuite) Connect(account Account) *Client {
	name, token := account.Username, account.Token
	s.header("connect " + name)
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+s.Config.ChatAddr+"/ws", nil)
	s.Require().NoError(err, "Failed to reach broker at "+s.Config.ChatAddr)
	c := &Client{s: s, name: name, conn: conn}
	c.Send("authenticate", map[string]any{"token": token})
	var auth struct {
		OK bool `json:"ok"`
	}
	c.Expect("authenticated", &auth)
	s.Require().True(auth.OK)
	return c
}

func (c *Client) Close() {
	_ = c.conn.Close()
}

func (c *Client) Send(name string, data any) {
	if c.s.Config.DebugJSON {
		raw, _ := json.Marshal(data)
		c.s.T().Logf("%s -> %s %s", c.name, name, raw)
	}
	c.s.Require().NoError(c.conn.WriteJSON(map[string]any{"type": name, "data": data}))
}

// Expect skips frames until one of the given type arrives and decodes it into out.
func (c *Client) Expect(name string, out any) {
	c.s.Require().NoError(c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		var frame Frame
		c.s.Require().NoError(c.conn.ReadJSON(&frame), "waiting for %s on %s", name, c.name)
		if c.s.Config.DebugJSON {
			c.s.T().Logf("%s <- %s %s", c.name, frame.Type, frame.Data)
		}
		if frame.Type == name {
			if out != nil {
				c.s.Require().NoError(json.Unmarshal(frame.Data, out))
			}
			return
		}
	}
}
