package client_test

import (
	"reflect"
	"testing"

	utls "github.com/refraction-networking/utls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/client"
	"github.com/firasghr/mimicry/profile"
)

func TestBuildSpec_FollowsProfile(t *testing.T) {
	for _, id := range profile.Default().IDs() {
		t.Run(id, func(t *testing.T) {
			p, err := profile.Default().Lookup(id)
			require.NoError(t, err)

			spec, err := client.BuildSpec(p)
			require.NoError(t, err)
			require.Len(t, spec.CipherSuites, len(p.CipherSuites))
			require.Len(t, spec.Extensions, len(p.Extensions))

			for i, c := range p.CipherSuites {
				if profile.IsGREASE(c) {
					assert.Equal(t, uint16(utls.GREASE_PLACEHOLDER), spec.CipherSuites[i])
				} else {
					assert.Equal(t, c, spec.CipherSuites[i])
				}
			}
			assert.Equal(t, uint16(utls.VersionTLS13), spec.TLSVersMax)
		})
	}
}

func TestBuildSpec_ExtensionTypes(t *testing.T) {
	p, err := profile.Default().Lookup("chrome-120")
	require.NoError(t, err)

	spec, err := client.BuildSpec(p)
	require.NoError(t, err)

	assert.IsType(t, &utls.UtlsGREASEExtension{}, spec.Extensions[0])
	assert.IsType(t, &utls.SNIExtension{}, spec.Extensions[1])
	assert.IsType(t, &utls.UtlsGREASEExtension{}, spec.Extensions[len(spec.Extensions)-2])
	assert.IsType(t, &utls.UtlsPaddingExtension{}, spec.Extensions[len(spec.Extensions)-1])
}

func TestBuildSpec_FreshSpecEachCall(t *testing.T) {
	p, err := profile.Default().Lookup("firefox-120")
	require.NoError(t, err)

	a, err := client.BuildSpec(p)
	require.NoError(t, err)
	b, err := client.BuildSpec(p)
	require.NoError(t, err)

	for i := range a.Extensions {
		// Zero-size values may share one address.
		if reflect.TypeOf(a.Extensions[i]).Elem().Size() == 0 {
			continue
		}
		assert.NotSame(t, a.Extensions[i], b.Extensions[i], "extension %d shared between specs", i)
	}

	var ks *utls.KeyShareExtension
	for _, e := range a.Extensions {
		if k, ok := e.(*utls.KeyShareExtension); ok {
			ks = k
		}
	}
	require.NotNil(t, ks)
	ks.KeyShares = nil
	for _, e := range b.Extensions {
		if k, ok := e.(*utls.KeyShareExtension); ok {
			assert.NotEmpty(t, k.KeyShares)
		}
	}
}

func TestBuildSpec_UnknownExtensionIsGeneric(t *testing.T) {
	p, err := profile.Default().Lookup("chrome-131")
	require.NoError(t, err)
	p.Extensions = append(p.Extensions, profile.Extension{ID: 0xfe99, Data: []byte{1, 2}})

	spec, err := client.BuildSpec(p)
	require.NoError(t, err)

	last, ok := spec.Extensions[len(spec.Extensions)-1].(*utls.GenericExtension)
	require.True(t, ok)
	assert.Equal(t, uint16(0xfe99), last.Id)
	assert.Equal(t, []byte{1, 2}, last.Data)
}

func TestBuildSpec_RejectsInvalidProfile(t *testing.T) {
	_, err := client.BuildSpec(&profile.Profile{ID: "broken"})
	assert.Error(t, err)
}
