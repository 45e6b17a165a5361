package smtpserver

import (
	"net"
	"reflect"
	"testing"

	"github.com/inletmail/inlet/dns"
	"github.com/inletmail/inlet/smtp"
)

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %v, expected %v", got, exp)
	}
}

func TestParse(t *testing.T) {
	tcompare(t, newParser("<@hosta.int,@jkl.org:userc@d.bar.org>", false, nil).xpath(), smtp.Path{Localpart: "userc", IPDomain: dns.IPDomain{Domain: dns.Domain{ASCII: "d.bar.org"}}})

	tcompare(t, newParser("[10.0.0.1]", false, nil).xipdomain(), dns.IPDomain{IP: net.ParseIP("10.0.0.1")})
	tcompare(t, newParser("[IPv6:2001:db8::1]", false, nil).xipdomain(), dns.IPDomain{IP: net.ParseIP("2001:db8::1")})

	tcompare(t, newParser("e+3Dmc2@example.com", false, nil).xtext(), "e=mc2@example.com")
	tcompare(t, newParser("", false, nil).xtext(), "")
}
