package httpapi

import "fmt"

// descriptionXML renders the fixed UPnP device description document
// clients fetch from /description.xml after SSDP discovery (spec §4.5),
// grounded on HomieHueBridge.description()'s literal XML template.
func descriptionXML(ip string, port int, mac12 string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
<specVersion>
<major>1</major>
<minor>0</minor>
</specVersion>
<URLBase>http://%[1]s:%[2]d/</URLBase>
<device>
<deviceType>urn:schemas-upnp-org:device:Basic:1</deviceType>
<friendlyName>Homie Hue Bridge (%[1]s)</friendlyName>
<manufacturer>Signify</manufacturer>
<manufacturerURL>http://www.philips.com</manufacturerURL>
<modelDescription>Philips hue Personal Wireless Lighting</modelDescription>
<modelName>Philips hue bridge 2015</modelName>
<modelNumber>BSB002</modelNumber>
<modelURL>http://www.meethue.com</modelURL>
<serialNumber>%[3]s</serialNumber>
<UDN>uuid:2f402f80-da50-11e1-9b23-%[3]s</UDN>
<presentationURL>index.html</presentationURL>
<iconList>
<icon>
<mimetype>image/png</mimetype>
<height>48</height>
<width>48</width>
<depth>24</depth>
<url>hue_logo_0.png</url>
</icon>
</iconList>
</device>
</root>
`, ip, port, mac12)
}
