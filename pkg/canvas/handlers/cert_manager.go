package handlers

import (
	"context"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/agentkube/kubegraph/pkg/canvas"
)

const (
	certManagerGroup        = "cert-manager.io"
	issuerAnnotation        = "cert-manager.io/issuer"
	clusterIssuerAnnotation = "cert-manager.io/cluster-issuer"
	certificateAPIVersion   = certManagerGroup + "/v1"
)

// certManagerHandler links Certificates to their secret and issuer, and
// annotated Ingresses to the Certificates cert-manager creates for them.
type certManagerHandler struct {
	base
}

func newCertManagerHandler() *certManagerHandler {
	return &certManagerHandler{base: base{name: "cert-manager", kinds: []Kind{
		kind(certManagerGroup, "v1", "certificates", "Certificate", true),
		kind(certManagerGroup, "v1", "issuers", "Issuer", true),
		kind(certManagerGroup, "v1", "clusterissuers", "ClusterIssuer", false),
		kind(certManagerGroup, "v1", "certificaterequests", "CertificateRequest", true),
	}}}
}

func (h *certManagerHandler) Supports(obj *unstructured.Unstructured) bool {
	if obj.GetKind() == "Ingress" {
		_, ok := ingressIssuer(obj)
		return ok
	}
	return h.owns(obj, "Certificate", "CertificateRequest")
}

func (h *certManagerHandler) Discover(ctx context.Context, obj *unstructured.Unstructured, backend canvas.Backend) ([]canvas.Relationship, error) {
	self := canvas.IdentifierFor(obj)
	ns := obj.GetNamespace()
	var rels []canvas.Relationship

	switch obj.GetKind() {
	case "Ingress":
		issuer, _ := ingressIssuer(obj)
		rels = append(rels, relate(self, issuer, RelationshipCertificateIssuer, "annotation"))
		tls, _, _ := unstructured.NestedSlice(obj.Object, "spec", "tls")
		for _, secret := range canvas.NestedStrings(tls, "secretName") {
			cert := canvas.ResourceIdentifier{Kind: "Certificate", Name: secret, Namespace: ns, APIVersion: certificateAPIVersion}
			rels = append(rels, relate(self, cert, RelationshipCertificateSecret, secret))
		}

	default:
		if secret, _, _ := unstructured.NestedString(obj.Object, "spec", "secretName"); secret != "" {
			rels = append(rels, relate(self, canvas.ResourceIdentifier{Kind: "Secret", Name: secret, Namespace: ns}, RelationshipCertificateSecret, ""))
		}
		ref, _, _ := unstructured.NestedStringMap(obj.Object, "spec", "issuerRef")
		if ref["name"] != "" {
			issuer := canvas.ResourceIdentifier{Kind: "Issuer", Name: ref["name"], Namespace: ns}
			if ref["kind"] == "ClusterIssuer" {
				issuer = canvas.ResourceIdentifier{Kind: "ClusterIssuer", Name: ref["name"]}
			}
			rels = append(rels, relate(self, issuer, RelationshipCertificateIssuer, ""))
		}
	}
	return rels, nil
}

func ingressIssuer(obj *unstructured.Unstructured) (canvas.ResourceIdentifier, bool) {
	ann := obj.GetAnnotations()
	if name := ann[clusterIssuerAnnotation]; name != "" {
		return canvas.ResourceIdentifier{Kind: "ClusterIssuer", Name: name}, true
	}
	if name := ann[issuerAnnotation]; name != "" {
		return canvas.ResourceIdentifier{Kind: "Issuer", Name: name, Namespace: obj.GetNamespace()}, true
	}
	return canvas.ResourceIdentifier{}, false
}
