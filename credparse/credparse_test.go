package credparse

import (
	"strings"
	"testing"
)

func TestIsNTLM(t *testing.T) {
	if !IsNTLM("8846f7eaee8fb117ad06bdd830b7586c") {
		t.Fatal("valid hash rejected")
	}
	for _, s := range []string{"", "Summer2023!", "8846f7eaee8fb117ad06bdd830b7586", "zz46f7eaee8fb117ad06bdd830b7586c"} {
		if IsNTLM(s) {
			t.Fatalf("%q accepted", s)
		}
	}
}

func TestParseHashdump(t *testing.T) {
	out := strings.Join([]string{
		"Administrator:500:aad3b435b51404eeaad3b435b51404ee:31d6cfe0d16ae931b73c59d7e0c089c0:::",
		"Guest:501:aad3b435b51404eeaad3b435b51404ee:31d6cfe0d16ae931b73c59d7e0c089c0:::",
		"not a credential line",
	}, "\n")

	creds := Parse(out)
	if len(creds) != 2 {
		t.Fatalf("got %d creds: %+v", len(creds), creds)
	}
	admin := creds[0]
	if admin.CredType != "hash" || admin.Username != "Administrator" || admin.SID != "500" {
		t.Fatalf("admin cred: %+v", admin)
	}
	if admin.Password != "aad3b435b51404eeaad3b435b51404ee:31d6cfe0d16ae931b73c59d7e0c089c0" {
		t.Fatalf("admin password: %q", admin.Password)
	}
}

func mimikatzSample() string {
	return strings.Join([]string{
		"Hostname: dc01.corp.local / S-1-5-21-1004336348-1177238915-682003330",
		"",
		"  .#####.   mimikatz 2.2.0 (x64)",
		"",
		"Authentication Id : 0 ; 996",
		"User Name         : alice",
		"	msv :",
		"	 [00000003] Primary",
		"	 * Username : alice",
		"	 * Domain   : CORP",
		"	 * NTLM     : 8846f7eaee8fb117ad06bdd830b7586c",
		"	tspkg :",
		"	wdigest :",
		"	 * Username : alice",
		"	 * Domain   : CORP",
		"	 * Password : Summer2023!",
		"	kerberos :",
		"	 * Username : DC01$",
		"	 * Domain   : corp.local",
		"	 * Password : machine-account-secret",
		"	ssp :",
		"	credman :",
		"Authentication Id : end",
	}, "\n")
}

func TestParseMimikatz(t *testing.T) {
	creds := ParseMimikatz(mimikatzSample())
	if len(creds) != 2 {
		t.Fatalf("got %d creds: %+v", len(creds), creds)
	}

	byType := make(map[string]Credential)
	for _, c := range creds {
		byType[c.CredType] = c
	}

	hash, ok := byType["hash"]
	if !ok {
		t.Fatalf("no hash cred: %+v", creds)
	}
	if hash.Username != "alice" || hash.Password != "8846f7eaee8fb117ad06bdd830b7586c" {
		t.Fatalf("hash cred: %+v", hash)
	}
	// The banner upgrades the NetBIOS domain to the FQDN and supplies the SID.
	if hash.Domain != "corp.local" || hash.SID != "S-1-5-21-1004336348-1177238915-682003330" {
		t.Fatalf("hash cred domain/sid: %+v", hash)
	}
	if hash.Host != "dc01" {
		t.Fatalf("hash cred host: %q", hash.Host)
	}

	plain, ok := byType["plaintext"]
	if !ok {
		t.Fatalf("no plaintext cred: %+v", creds)
	}
	if plain.Username != "alice" || plain.Password != "Summer2023!" {
		t.Fatalf("plaintext cred: %+v", plain)
	}
}

func TestParseMimikatzSkipsMachineAccountPlaintext(t *testing.T) {
	for _, c := range ParseMimikatz(mimikatzSample()) {
		if strings.HasSuffix(c.Username, "$") {
			t.Fatalf("machine account harvested: %+v", c)
		}
	}
}

func TestParseDetectsMimikatzByBanner(t *testing.T) {
	creds := Parse(mimikatzSample())
	if len(creds) != 2 {
		t.Fatalf("banner detection failed: %+v", creds)
	}
}

func TestParseDedupes(t *testing.T) {
	// The same secret surfacing through two providers lands once.
	dup := strings.Join([]string{
		"Hostname: ws01.corp.local / S-1-5-21-1",
		"",
		"", "", "", "", "", "", "", "",
		"Authentication Id : 0 ; 1",
		"	msv :",
		"	 * Username : bob",
		"	 * Domain   : CORP",
		"	 * NTLM     : 31d6cfe0d16ae931b73c59d7e0c089c0",
		"	tspkg :",
		"	 * Username : bob",
		"	 * Domain   : CORP",
		"	 * NTLM     : 31d6cfe0d16ae931b73c59d7e0c089c0",
		"	wdigest :",
		"	kerberos :",
		"	ssp :",
		"	credman :",
		"Authentication Id : end",
	}, "\n")
	creds := ParseMimikatz(dup)
	if len(creds) != 1 {
		t.Fatalf("got %d creds: %+v", len(creds), creds)
	}
}

func TestParseOrdinaryOutput(t *testing.T) {
	if creds := Parse("total 4\ndrwxr-xr-x 2 root root 4096 Jan  2 03:04 ."); creds != nil {
		t.Fatalf("creds from directory listing: %+v", creds)
	}
}
