package server

import (
	"fmt"
	"net/http"
)

// WebSocketHandler upgrades GET requests to WebSocket and hands the
// connection to the hub. The client must authenticate within the grace
// period.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	h.ServeConn(conn, r.RemoteAddr)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat server is running!")
}

// TestPageHandler serves an HTML page that authenticates with a pasted token
// and exchanges chat events, for manual testing.
func (h *Hub) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		h.logger.Debug("error writing test page", "error", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] {
            width: 300px;
            padding: 5px;
            margin-right: 10px;
        }
        button {
            padding: 5px 15px;
            background-color: #007cba;
            color: white;
            border: none;
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status {
            margin: 10px 0;
            padding: 5px;
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <input type="text" id="channelInput" placeholder="Channel id" value="1">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        let typingSent = false;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const channelInput = document.getElementById('channelInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addMessage(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.padding = '3px';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(state) {
            statusDiv.textContent = state;
            statusDiv.className = 'status ' + (state === 'Authenticated' ? 'connected' : 'disconnected');
            const ready = state === 'Authenticated';
            messageInput.disabled = !ready;
            sendButton.disabled = !ready;
            connectButton.textContent = ws ? 'Disconnect' : 'Connect';
        }

        function send(event) {
            event.token = tokenInput.value.trim();
            ws.send(JSON.stringify(event));
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                updateStatus('Connected');
                send({ type: 'authenticate' });
            };

            ws.onmessage = function(event) {
                const msg = JSON.parse(event.data);
                switch (msg.type) {
                case 'auth_success':
                    updateStatus('Authenticated');
                    addMessage('Authenticated as user ' + msg.userId);
                    break;
                case 'new_message':
                    addMessage(msg.message.display_name + ': ' + msg.message.content, 'green');
                    break;
                case 'error':
                    addMessage('Error: ' + msg.message, 'red');
                    break;
                default:
                    addMessage(event.data);
                }
            };

            ws.onclose = function(event) {
                addMessage('Connection closed (' + event.code + ' ' + event.reason + ')');
                ws = null;
                updateStatus('Disconnected');
            };
        }

        function toggleConnection() {
            if (ws) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            const channelId = parseInt(channelInput.value, 10);
            if (content && ws && ws.readyState === WebSocket.OPEN) {
                send({ type: 'new_message', channelId: channelId, content: content });
                send({ type: 'typing_stop', channelId: channelId });
                typingSent = false;
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('input', function() {
            if (!typingSent && ws && ws.readyState === WebSocket.OPEN) {
                send({ type: 'typing_start', channelId: parseInt(channelInput.value, 10) });
                typingSent = true;
            }
        });

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
