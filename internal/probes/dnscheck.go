package probes

import (
	"context"
	"strings"
	"time"

	"github.com/miekg/dns"

	"nodediag/pkg/diag"
)

// DNSCheckOptions configures a resolver query probe.
type DNSCheckOptions struct {
	Target     string   `mapstructure:"target"`
	Server     string   `mapstructure:"server"`
	RecordType string   `mapstructure:"record_type"`
	ExpectAny  []string `mapstructure:"expect_any"`
}

type dnsCheckProbe struct {
	nopCloser
	name    string
	opts    DNSCheckOptions
	qtype   uint16
	timeout time.Duration
}

func NewDNSCheck(name string, opts DNSCheckOptions, timeout time.Duration) (Probe, error) {
	if opts.Target == "" {
		return nil, errMissing("target")
	}
	if opts.Server == "" {
		opts.Server = "8.8.8.8:53"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &dnsCheckProbe{
		name:    name,
		opts:    opts,
		qtype:   dnsTypeFromString(opts.RecordType),
		timeout: timeout,
	}, nil
}

func (p *dnsCheckProbe) Name() string { return p.name }

func (p *dnsCheckProbe) Run(r *diag.Report) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	client := &dns.Client{}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(p.opts.Target), p.qtype)

	resp, rtt, err := client.ExchangeContext(ctx, msg, p.opts.Server)
	if err != nil {
		r.Summaryf(diag.LevelError, "query %s: %v", p.opts.Server, err)
		return
	}
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		code := -1
		if resp != nil {
			code = resp.Rcode
		}
		r.Summaryf(diag.LevelError, "dns error code %d", code)
		return
	}

	answers := answerStrings(resp.Answer)
	switch {
	case len(answers) == 0:
		r.Summary(diag.LevelWarn, "Query returned no answers")
	case len(p.opts.ExpectAny) > 0 && !anyMatch(answers, p.opts.ExpectAny):
		r.Summary(diag.LevelWarn, "Expected answer not present")
	default:
		r.Summary(diag.LevelOK, "Resolution OK")
	}

	r.Add("Query", p.opts.Target)
	r.Add("Server", p.opts.Server)
	r.Add("Record type", dns.TypeToString[p.qtype])
	r.Addf("Answer count", "%d", len(answers))
	r.Addf("Round trip time (ms)", "%.2f", float64(rtt.Microseconds())/1000)
	if len(answers) > 0 {
		show := answers
		if len(show) > 4 {
			show = show[:4]
		}
		r.Add("Answers", strings.Join(show, ", "))
	}
}

func answerStrings(rrs []dns.RR) []string {
	out := make([]string, 0, len(rrs))
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		case *dns.CNAME:
			out = append(out, v.Target)
		default:
			out = append(out, rr.String())
		}
	}
	return out
}

func anyMatch(actual, expected []string) bool {
	for _, exp := range expected {
		for _, act := range actual {
			if act == exp {
				return true
			}
		}
	}
	return false
}

func dnsTypeFromString(t string) uint16 {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case "", "A":
		return dns.TypeA
	case "AAAA":
		return dns.TypeAAAA
	case "CNAME":
		return dns.TypeCNAME
	case "MX":
		return dns.TypeMX
	case "TXT":
		return dns.TypeTXT
	case "NS":
		return dns.TypeNS
	default:
		return dns.TypeA
	}
}
