package probe

import (
	"net/http"
	"net/url"
)

// JarCredentials reports session-cookie presence from a cookie jar.
type JarCredentials struct {
	jar        http.CookieJar
	origin     *url.URL
	cookieName string
}

// NewJarCredentials watches jar for cookieName as sent to origin.
func NewJarCredentials(jar http.CookieJar, origin *url.URL, cookieName string) *JarCredentials {
	return &JarCredentials{jar: jar, origin: origin, cookieName: cookieName}
}

func (c *JarCredentials) HasSessionCredentials() bool {
	if c == nil || c.jar == nil || c.origin == nil {
		return false
	}
	for _, ck := range c.jar.Cookies(c.origin) {
		if ck.Name == c.cookieName && ck.Value != "" {
			return true
		}
	}
	return false
}

// CredentialFunc adapts a function to CredentialStore.
type CredentialFunc func() bool

func (f CredentialFunc) HasSessionCredentials() bool { return f() }
