/*Package mqtt is the MQTT ingress adapter.

It runs an embedded gmqtt server with mutual TLS. The client certificate's
common name carries the device identity as "tenant_id/device_id"; the
connection hooks capture it per connection and every arriving publish is
handed to the ingestion pipeline together with that common name. The adapter
never interprets payloads; backpressure from a full intake queue is applied
here, with a bounded wait.
*/
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/voltaic-systems/ingest/core/logger"
	"github.com/voltaic-systems/ingest/ingest"
)

// Ingress is the MQTT ingress server.
type Ingress struct {
	p *plugin
}

// plugin is the plugin for GMQTT
type plugin struct {
	tlsln            net.Listener
	commonNamesRwmux sync.RWMutex
	commonNames      map[net.Conn]string

	service    gmqtt.Server
	submit     func(ctx context.Context, msg ingest.Message) error
	submitWait time.Duration
}

// Builder is a builder helper for the Ingress
type Builder struct {
	// Address is the TLS listen address. Default ":8883".
	Address string
	// CertFile and KeyFile are the server's TLS keypair. Mandatory.
	CertFile string
	KeyFile  string
	// CAFile is the CA bundle that signs device client certificates.
	// Mandatory.
	CAFile string
	// RequireClientCert rejects connections without a client certificate.
	// When false, certificate-less devices may still authenticate with a
	// payload token.
	RequireClientCert bool
	// Submit hands an inbound message to the pipeline. This is mandatory.
	Submit func(ctx context.Context, msg ingest.Message) error
	// SubmitWait bounds how long an arriving message may wait for intake
	// room before being rejected back to the client. Default 5s.
	SubmitWait time.Duration
}

// MustNewIngress creates the ingress and its TLS listener.
func MustNewIngress(b *Builder) *Ingress {
	if b.Submit == nil {
		panic("Submit is missing")
	}
	address := b.Address
	if address == "" {
		address = ":8883"
	}
	submitWait := b.SubmitWait
	if submitWait == 0 {
		submitWait = 5 * time.Second
	}

	crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
	if err != nil {
		panic(err)
	}
	caCert, err := os.ReadFile(b.CAFile)
	if err != nil {
		panic(err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		panic("no CA certificates in " + b.CAFile)
	}

	clientAuth := tls.VerifyClientCertIfGiven
	if b.RequireClientCert {
		clientAuth = tls.RequireAndVerifyClientCert
	}
	tlsln, err := tls.Listen("tcp", address, &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   clientAuth,
	})
	if err != nil {
		panic(err)
	}

	return &Ingress{
		p: &plugin{
			tlsln:       tlsln,
			commonNames: make(map[net.Conn]string),
			submit:      b.Submit,
			submitWait:  submitWait,
		},
	}
}

// Run starts the embedded server. It does not block; call Stop to shut the
// listener down.
func (i *Ingress) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(i.p.tlsln),
		gmqtt.WithPlugin(i.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt ingress listening on", i.p.tlsln.Addr())
}

// Stop disconnects all clients and closes the listener. After it returns no
// further message reaches the pipeline, so the intake queue may be closed.
func (i *Ingress) Stop(ctx context.Context) {
	if s, ok := i.p.service.(interface{ Stop(ctx context.Context) error }); ok {
		s.Stop(ctx)
	}
}

// PublishCommand publishes a command message with quality level 1, for the
// external command dispatch collaborator.
func (i *Ingress) PublishCommand(topic string, payload []byte) {
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	i.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "ingest ingress" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) commonNameFromConnection(conn net.Conn) string {
	p.commonNamesRwmux.RLock()
	defer p.commonNamesRwmux.RUnlock()
	return p.commonNames[conn]
}

// OnAcceptWrapper captures the verified client certificate common name for
// the connection. The name must be of the form "tenant_id/device_id"; the
// identity resolver later checks it against every topic the client uses.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) > 0 {
				commonName := state.VerifiedChains[0][0].Subject.CommonName
				if strings.Count(commonName, "/") != 1 {
					logger.Default().Warnln("invalid identity in certificate:", commonName)
					return false
				}
				p.commonNamesRwmux.Lock()
				p.commonNames[conn] = commonName
				p.commonNamesRwmux.Unlock()
				logger.Default().Debugln("accept", commonName)
			}
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the device part
// of the certificate common name. Certificate-less connections may pick any
// client ID; they authenticate per message with a token.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		commonName := p.commonNameFromConnection(client.Connection())
		if commonName != "" {
			deviceID := commonName[strings.Index(commonName, "/")+1:]
			if client.OptionsReader().ClientID() != deviceID {
				logger.Default().Warnln("connect denied,", client.OptionsReader().ClientID(), "not authorized for", commonName)
				return packets.CodeNotAuthorized
			}
		}
		return connect(ctx, client)
	}
}

// OnCloseWrapper forgets the connection's common name.
func (p *plugin) OnCloseWrapper(onClose gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.commonNamesRwmux.Lock()
		delete(p.commonNames, client.Connection())
		p.commonNamesRwmux.Unlock()
		onClose(ctx, client, err)
	}
}

// OnMsgArrivedWrapper hands every arriving publish to the pipeline. A full
// intake queue rejects the message back to the client after a bounded wait
// instead of buffering without limit.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		commonName := p.commonNameFromConnection(client.Connection())

		submitCtx, cancel := context.WithTimeout(context.Background(), p.submitWait)
		defer cancel()
		err := p.submit(submitCtx, ingest.Message{
			Topic:      msg.Topic(),
			Payload:    msg.Payload(),
			CommonName: commonName,
			ReceivedAt: time.Now().UTC(),
		})
		if err != nil {
			logger.Default().WithError(err).Warnln("intake full, rejecting publish on", msg.Topic())
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy: a device may only subscribe to
// its own command topic.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		commonName := p.commonNameFromConnection(client.Connection())
		if commonName == "" {
			logger.Default().Warnln("subscribe without certificate denied:", topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		slash := strings.Index(commonName, "/")
		prefix := "tenant/" + commonName[:slash] + "/device/" + commonName[slash+1:] + "/command"
		if !strings.HasPrefix(topic.Name, prefix) {
			logger.Default().Warnln("subscribe denied for", commonName, "on", topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}
