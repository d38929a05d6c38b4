package netfilter

import "testing"

func TestClassify_Blocked(t *testing.T) {
	cases := []struct {
		host   string
		reason Reason
	}{
		{"127.0.0.1", ReasonLocalhost},
		{"localhost", ReasonLocalhost},
		{"0.0.0.0", ReasonLocalhost},
		{"::1", ReasonLocalhost},
		{"10.0.0.5", ReasonPrivateNetwork},
		{"172.16.0.1", ReasonPrivateNetwork},
		{"192.168.1.1", ReasonPrivateNetwork},
		{"169.254.1.1", ReasonPrivateNetwork},
		{"fe80::1", ReasonPrivateNetwork},
		{"fc00::1", ReasonPrivateNetwork},
		{"169.254.169.254", ReasonCloudMetadata},
		{"169.254.169.253", ReasonCloudMetadata},
		{"metadata.google.internal", ReasonCloudMetadata},
		{"instance-data.ec2.internal", ReasonCloudMetadata},
		{"fd00:ec2::254", ReasonCloudMetadata},
		{"2001:db8::1", ReasonOther},
		{"64:ff9b::1", ReasonOther},
		{"ff02::1", ReasonOther},
		{"::ffff:127.0.0.1", ReasonLocalhost},
		{"::ffff:10.0.0.1", ReasonPrivateNetwork},
	}
	for _, c := range cases {
		v := Classify(c.host)
		if v.Allowed {
			t.Errorf("Classify(%q): expected blocked, got allowed", c.host)
			continue
		}
		if v.Reason != c.reason {
			t.Errorf("Classify(%q): reason = %q, want %q", c.host, v.Reason, c.reason)
		}
	}
}

func TestClassify_Allowed(t *testing.T) {
	for _, host := range []string{"8.8.8.8", "1.1.1.1", "example.com", "2606:4700:4700::1111"} {
		if v := Classify(host); !v.Allowed {
			t.Errorf("Classify(%q): expected allowed, got blocked: %s", host, v.Reason)
		}
	}
}

func TestClassify_AlternativeIPv4Encodings(t *testing.T) {
	cases := []struct {
		host   string
		reason Reason
	}{
		{"2130706433", ReasonLocalhost}, // decimal for 127.0.0.1
		{"0x7f000001", ReasonLocalhost}, // hex for 127.0.0.1
		{"0177.0.0.1", ReasonLocalhost}, // dotted octal
		{"0x7f.0.0.1", ReasonLocalhost}, // dotted hex mixed with decimal
	}
	for _, c := range cases {
		v := Classify(c.host)
		if v.Allowed {
			t.Errorf("Classify(%q): expected blocked as loopback, got allowed", c.host)
			continue
		}
		if v.Reason != c.reason {
			t.Errorf("Classify(%q): reason = %q, want %q", c.host, v.Reason, c.reason)
		}
	}
}

func TestClassifyURL(t *testing.T) {
	if v := ClassifyURL("http://169.254.169.254/latest/meta-data/"); v.Allowed || v.Reason != ReasonCloudMetadata {
		t.Errorf("expected cloud-metadata block, got %+v", v)
	}
	if v := ClassifyURL("http://8.8.8.8/"); !v.Allowed {
		t.Errorf("expected allowed, got %+v", v)
	}
	if v := ClassifyURL("not a url at all :// "); v.Allowed {
		t.Errorf("expected invalid-url-format block")
	}
	if v := ClassifyURL(""); v.Allowed || v.Reason != ReasonInvalidURLFormat {
		t.Errorf("expected invalid-url-format for empty url, got %+v", v)
	}
}
