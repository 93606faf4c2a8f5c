package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/secrets"
)

// ErrDenied marks an egress attempt outside the job's allowlist.
var ErrDenied = errors.New("egress denied")

const dialTimeout = 10 * time.Second

// Proxy is a forward HTTP proxy scoped by job. The sandbox reaches it
// via HTTP_PROXY/HTTPS_PROXY; each request authenticates with
// Proxy-Authorization basic credentials (job id + proxy token issued
// at provision time). Plain HTTP requests get the matched rule's
// credential injected as an Authorization bearer header. CONNECT
// requests are allowlist-checked, then tunneled opaquely.
type Proxy struct {
	rules   *RuleTable
	secrets secrets.Provider
	metrics *Metrics
	logger  *slog.Logger

	transport http.RoundTripper
	server    *http.Server
}

// New creates a Proxy over the given rule table. provider may be nil
// when no credential injection is configured.
func New(rules *RuleTable, provider secrets.Provider, metrics *Metrics, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Proxy{
		rules:     rules,
		secrets:   provider,
		metrics:   metrics,
		logger:    logger,
		transport: &http.Transport{Proxy: nil, DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext},
	}
}

// Start listens on addr and serves until Shutdown.
func (p *Proxy) Start(addr string) error {
	p.server = &http.Server{
		Addr:              addr,
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
	}
	p.logger.Info("egress proxy listening", slog.String("addr", addr))
	if err := p.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener. Open CONNECT tunnels are severed.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	return p.server.Shutdown(ctx)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	jobID, ok := p.authenticate(r)
	if !ok {
		p.count("unauthorized")
		w.Header().Set("Proxy-Authenticate", `Basic realm="clawyer"`)
		http.Error(w, "proxy authentication required", http.StatusProxyAuthRequired)
		return
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r, jobID)
		return
	}
	p.handleHTTP(w, r, jobID)
}

// authenticate parses Proxy-Authorization basic credentials of the
// form job-id:proxy-token and verifies the token.
func (p *Proxy) authenticate(r *http.Request) (uuid.UUID, bool) {
	raw := r.Header.Get("Proxy-Authorization")
	enc, ok := strings.CutPrefix(raw, "Basic ")
	if !ok {
		return uuid.Nil, false
	}
	decoded, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return uuid.Nil, false
	}
	idStr, token, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return uuid.Nil, false
	}
	jobID, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, false
	}
	if !p.rules.Authorize(jobID, token) {
		return uuid.Nil, false
	}
	return jobID, true
}

// handleHTTP proxies a plain HTTP request, injecting the matched
// rule's credential when one is attached.
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	host := hostOnly(r.URL.Host)
	rule, ok := p.rules.Match(jobID, host)
	if !ok {
		p.deny(w, jobID, host)
		return
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Header.Del("Proxy-Authorization")
	out.Header.Del("Proxy-Connection")

	if rule.CredentialRef != "" && p.secrets != nil {
		secret, err := p.secrets.Resolve(r.Context(), rule.CredentialRef)
		if err != nil {
			p.logger.Error("credential resolution failed",
				slog.String("job_id", jobID.String()),
				slog.String("host", host),
				slog.String("error", err.Error()),
			)
			http.Error(w, "upstream credential unavailable", http.StatusBadGateway)
			return
		}
		out.Header.Set("Authorization", "Bearer "+secret.Value)
		if p.metrics != nil {
			p.metrics.CredentialInjections.Inc()
		}
	}

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		http.Error(w, fmt.Sprintf("upstream request failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	p.count("allowed")
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body) //nolint:errcheck // client gone is not our problem
}

// handleConnect checks the allowlist, then splices an opaque tunnel.
// TLS payloads are not inspected, so no credential injection happens
// on this path.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request, jobID uuid.UUID) {
	host := hostOnly(r.Host)
	if _, ok := p.rules.Match(jobID, host); !ok {
		p.deny(w, jobID, host)
		return
	}

	upstream, err := net.DialTimeout("tcp", r.Host, dialTimeout)
	if err != nil {
		http.Error(w, fmt.Sprintf("dialing upstream: %v", err), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		upstream.Close()
		return
	}
	buf.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n") //nolint:errcheck
	buf.Flush()                                                    //nolint:errcheck

	p.count("tunnel")
	go func() {
		defer client.Close()
		defer upstream.Close()
		io.Copy(upstream, buf) //nolint:errcheck
	}()
	go func() {
		defer client.Close()
		defer upstream.Close()
		io.Copy(client, upstream) //nolint:errcheck
	}()
}

func (p *Proxy) deny(w http.ResponseWriter, jobID uuid.UUID, host string) {
	p.count("denied")
	p.logger.Warn("egress denied",
		slog.String("job_id", jobID.String()),
		slog.String("host", host),
	)
	http.Error(w, fmt.Sprintf("%v: %s is not in the job allowlist", ErrDenied, host), http.StatusForbidden)
}

func (p *Proxy) count(decision string) {
	if p.metrics != nil {
		p.metrics.Requests.WithLabelValues(decision).Inc()
	}
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
