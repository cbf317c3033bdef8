package hue

import (
	"bytes"
	"text/template"
)

var descriptionTemplate = template.Must(template.New("description.xml").Parse(`<?xml version="1.0" encoding="UTF-8" ?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
	<specVersion>
		<major>1</major>
		<minor>0</minor>
	</specVersion>
	<URLBase>http://{{.IP}}:{{.Port}}/</URLBase>
	<device>
		<deviceType>urn:schemas-upnp-org:device:Basic:1</deviceType>
		<friendlyName>Philips hue ({{.IP}})</friendlyName>
		<manufacturer>Royal Philips Electronics</manufacturer>
		<manufacturerURL>http://www.philips.com</manufacturerURL>
		<modelDescription>Philips hue Personal Wireless Lighting</modelDescription>
		<modelName>Philips hue bridge 2012</modelName>
		<modelNumber>929000226503</modelNumber>
		<modelURL>http://www.meethue.com</modelURL>
		<serialNumber>{{.Serial}}</serialNumber>
		<UDN>uuid:2f402f80-da50-11e1-9b23-{{.Serial}}</UDN>
		<serviceList>
			<service>
				<serviceType>(null)</serviceType>
				<serviceId>(null)</serviceId>
				<controlURL>(null)</controlURL>
				<eventSubURL>(null)</eventSubURL>
				<SCPDURL>(null)</SCPDURL>
			</service>
		</serviceList>
		<presentationURL>index.html</presentationURL>
	</device>
</root>`))

type descriptionData struct {
	IP     string
	Port   int
	Serial string // 12 hex digits, MAC-like
}

func renderDescription(ip string, port int, serial string) ([]byte, error) {
	var b bytes.Buffer
	err := descriptionTemplate.Execute(&b, descriptionData{
		IP:     ip,
		Port:   port,
		Serial: serial[:12],
	})
	return b.Bytes(), err
}
